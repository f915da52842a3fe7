package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/pierrec/lz4/v4"

	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/trade"
)

// Record magics, per spec.md §4.1 "Period file binary": all three carry
// an LZ4-compressed FlatBuffer payload. FTCF is the full candle (OHLCV +
// aggregations); FTCO is OHLCV only, written to the candles/ directory;
// FTFO is aggregations only (no OHLCV), written to the footprints/
// directory. A leading '{' identifies the legacy JSON format the
// teacher's original candle writer produced, readable but never written
// by this codec.
var (
	MagicCompressedFootprint = [4]byte{'F', 'T', 'C', 'F'}
	MagicCandleOnly          = [4]byte{'F', 'T', 'C', 'O'}
	MagicFootprint           = [4]byte{'F', 'T', 'F', 'O'}
)

const legacyJSONLead = '{'

// WriteRecord appends one length-prefixed record to w: a 4-byte
// little-endian length, then either the 4-byte magic plus payload, or
// (when magic is the zero value, signaling a legacy JSON record) the
// raw JSON payload with no magic, matching how the teacher's original
// writer framed records before this codec existed.
func WriteRecord(w io.Writer, magic [4]byte, payload []byte) error {
	if magic == ([4]byte{}) {
		frame := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
		copy(frame[4:], payload)
		_, err := w.Write(frame)
		return err
	}

	frame := make([]byte, 4+4+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(4+len(payload)))
	copy(frame[4:8], magic[:])
	copy(frame[8:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadRecord reads one length-prefixed record from r, returning the
// magic (zero value for legacy JSON) and the raw payload after the
// magic (or the whole body, for legacy JSON).
func ReadRecord(r io.Reader) (magic [4]byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return magic, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err = io.ReadFull(r, body); err != nil {
		return magic, nil, err
	}

	if len(body) > 0 && body[0] == legacyJSONLead {
		return magic, body, nil
	}
	if len(body) < 4 {
		return magic, nil, fmt.Errorf("codec: record body too short (%d bytes)", len(body))
	}
	copy(magic[:], body[0:4])
	return magic, body[4:], nil
}

// EncodeFullFootprint serializes a complete footprint candle (OHLCV plus
// the bin histogram) to its LZ4-compressed FTCF form.
func EncodeFullFootprint(c *footprint.Candle) (magic [4]byte, payload []byte, err error) {
	payload, err = compressLZ4(buildFootprintBuffer(c))
	if err != nil {
		return magic, nil, err
	}
	return MagicCompressedFootprint, payload, nil
}

// EncodeCandleOnly serializes just the OHLCV fields (no bin histogram) to
// its LZ4-compressed FTCO form, for the candles/ period files.
func EncodeCandleOnly(c *footprint.Candle) (magic [4]byte, payload []byte, err error) {
	payload, err = compressLZ4(buildCandleOnlyBuffer(c))
	if err != nil {
		return magic, nil, err
	}
	return MagicCandleOnly, payload, nil
}

// EncodeFootprintOnly serializes just the aggregation fields (bin
// histogram, trade count, delta) with no OHLCV to its LZ4-compressed FTFO
// form, for the footprints/ period files.
func EncodeFootprintOnly(c *footprint.Candle) (magic [4]byte, payload []byte, err error) {
	payload, err = compressLZ4(buildAggregationsOnlyBuffer(c))
	if err != nil {
		return magic, nil, err
	}
	return MagicFootprint, payload, nil
}

func compressLZ4(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRecord dispatches on magic (or legacy JSON, signaled by a zero
// magic) and returns the reconstructed candle.
func DecodeRecord(magic [4]byte, payload []byte) (*footprint.Candle, error) {
	switch magic {
	case MagicCompressedFootprint:
		raw, err := lz4DecodeAll(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return parseFootprintBuffer(raw)
	case MagicCandleOnly:
		raw, err := lz4DecodeAll(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return parseCandleOnlyBuffer(raw)
	case MagicFootprint:
		raw, err := lz4DecodeAll(payload)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		return parseAggregationsOnlyBuffer(raw)
	case [4]byte{}:
		return decodeLegacyJSON(payload)
	default:
		return nil, fmt.Errorf("codec: unknown record magic %q", magic)
	}
}

func lz4DecodeAll(compressed []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(zr)
}

// --- flatbuffer encode: full footprint record (FTCF) ---

// binStructSize is the encoded size of one inlined bin struct: index
// (i64) + 5 float64 fields.
const binStructSize = 8 + 8*5

func buildFootprintBuffer(c *footprint.Candle) []byte {
	b := flatbuffers.NewBuilder(1024)

	venue := b.CreateString(string(c.Venue))
	symbol := b.CreateString(c.Symbol)
	interval := b.CreateString(c.Interval)

	binsVec := prependBinsVector(b, c.Bins)

	b.StartObject(21)
	prependCandleScalars(b, c)
	b.PrependUOffsetTSlot(17, binsVec, 0)
	b.PrependUOffsetTSlot(18, interval, 0)
	b.PrependUOffsetTSlot(19, symbol, 0)
	b.PrependUOffsetTSlot(20, venue, 0)
	root := b.EndObject()

	b.Finish(root)
	return b.FinishedBytes()
}

// prependBinsVector writes c.Bins as a vector of inlined bin structs,
// sorted by index for deterministic output, returning the vector offset.
// Must be called before StartObject, per flatbuffers' builder rules.
func prependBinsVector(b *flatbuffers.Builder, bins map[int64]*footprint.Bin) flatbuffers.UOffsetT {
	binIdx := sortedBinKeys(bins)
	b.StartVector(binStructSize, len(binIdx), 8)
	for i := len(binIdx) - 1; i >= 0; i-- {
		idx := binIdx[i]
		bin := bins[idx]
		b.Prep(8, binStructSize)
		b.PrependFloat64(bin.SellQuote)
		b.PrependFloat64(bin.BuyQuote)
		b.PrependFloat64(bin.SellVolume)
		b.PrependFloat64(bin.BuyVolume)
		b.PrependFloat64(bin.Volume)
		b.PrependInt64(idx)
	}
	return b.EndVector(len(binIdx))
}

// prependCandleScalars writes the fixed-width candle fields into the
// currently-open object, slots 0-16. Slots 17-19 (bins, interval,
// symbol) and venue are written by the caller since they are offsets
// that must be created before StartObject.
func prependCandleScalars(b *flatbuffers.Builder, c *footprint.Candle) {
	b.PrependBoolSlot(16, c.Complete, false)
	b.PrependInt64Slot(15, c.LastTradeID, 0)
	b.PrependInt64Slot(14, c.FirstTradeID, 0)
	b.PrependInt64Slot(13, c.TradeCount, 0)
	b.PrependFloat64Slot(12, c.DeltaMax, 0)
	b.PrependFloat64Slot(11, c.DeltaMin, 0)
	b.PrependFloat64Slot(10, c.Delta, 0)
	b.PrependFloat64Slot(9, c.QuoteVolume, 0)
	b.PrependFloat64Slot(8, c.SellVolume, 0)
	b.PrependFloat64Slot(7, c.BuyVolume, 0)
	b.PrependFloat64Slot(6, c.TotalVolume, 0)
	b.PrependFloat64Slot(5, c.Close, 0)
	b.PrependFloat64Slot(4, c.Low, 0)
	b.PrependFloat64Slot(3, c.High, 0)
	b.PrependFloat64Slot(2, c.Open, 0)
	b.PrependInt64Slot(1, c.CloseTime, 0)
	b.PrependInt64Slot(0, c.OpenTime, 0)
}

func sortedBinKeys(bins map[int64]*footprint.Bin) []int64 {
	keys := make([]int64, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func fieldOffset(index int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*index)
}

func parseFootprintBuffer(buf []byte) (*footprint.Candle, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("codec: footprint payload too short")
	}
	n := flatbuffers.GetUOffsetT(buf)
	t := &flatbuffers.Table{Bytes: buf, Pos: n}

	c := &footprint.Candle{Bins: make(map[int64]*footprint.Bin)}

	c.OpenTime = tableInt64(t, 0)
	c.CloseTime = tableInt64(t, 1)
	c.Open = tableFloat64(t, 2)
	c.High = tableFloat64(t, 3)
	c.Low = tableFloat64(t, 4)
	c.Close = tableFloat64(t, 5)
	c.TotalVolume = tableFloat64(t, 6)
	c.BuyVolume = tableFloat64(t, 7)
	c.SellVolume = tableFloat64(t, 8)
	c.QuoteVolume = tableFloat64(t, 9)
	c.Delta = tableFloat64(t, 10)
	c.DeltaMin = tableFloat64(t, 11)
	c.DeltaMax = tableFloat64(t, 12)
	c.TradeCount = tableInt64(t, 13)
	c.FirstTradeID = tableInt64(t, 14)
	c.LastTradeID = tableInt64(t, 15)
	c.Complete = tableBool(t, 16)

	readBinsVector(t, buf, fieldOffset(17), c.Bins)

	if o := t.Offset(fieldOffset(18)); o != 0 {
		c.Interval = string(t.ByteVector(o + t.Pos))
	}
	if o := t.Offset(fieldOffset(19)); o != 0 {
		c.Symbol = string(t.ByteVector(o + t.Pos))
	}
	if o := t.Offset(fieldOffset(20)); o != 0 {
		c.Venue = trade.Venue(t.ByteVector(o + t.Pos))
	}

	return c, nil
}

// readBinsVector decodes the inlined bin-struct vector at fo into dst, a
// no-op if the field is absent (e.g. an OHLCV-only candle-only record).
func readBinsVector(t *flatbuffers.Table, buf []byte, fo flatbuffers.VOffsetT, dst map[int64]*footprint.Bin) {
	o := t.Offset(fo)
	if o == 0 {
		return
	}
	vec := t.Vector(o)
	vlen := t.VectorLen(o)
	for i := 0; i < vlen; i++ {
		pos := vec + flatbuffers.UOffsetT(i*binStructSize)
		idx := int64(flatbuffers.GetInt64(buf[pos : pos+8]))
		dst[idx] = &footprint.Bin{
			Volume:     flatbuffers.GetFloat64(buf[pos+8 : pos+16]),
			BuyVolume:  flatbuffers.GetFloat64(buf[pos+16 : pos+24]),
			SellVolume: flatbuffers.GetFloat64(buf[pos+24 : pos+32]),
			BuyQuote:   flatbuffers.GetFloat64(buf[pos+32 : pos+40]),
			SellQuote:  flatbuffers.GetFloat64(buf[pos+40 : pos+48]),
		}
	}
}

func tableInt64(t *flatbuffers.Table, index int) int64 {
	o := t.Offset(fieldOffset(index))
	if o == 0 {
		return 0
	}
	return t.GetInt64(t.Pos + o)
}

func tableFloat64(t *flatbuffers.Table, index int) float64 {
	o := t.Offset(fieldOffset(index))
	if o == 0 {
		return 0
	}
	return t.GetFloat64(t.Pos + o)
}

func tableBool(t *flatbuffers.Table, index int) bool {
	o := t.Offset(fieldOffset(index))
	if o == 0 {
		return false
	}
	return t.GetBool(t.Pos + o)
}

// --- flatbuffer encode: candle-only record (FTCO, no bins) ---

func buildCandleOnlyBuffer(c *footprint.Candle) []byte {
	b := flatbuffers.NewBuilder(256)

	venue := b.CreateString(string(c.Venue))
	symbol := b.CreateString(c.Symbol)
	interval := b.CreateString(c.Interval)

	b.StartObject(21)
	prependCandleScalars(b, c)
	b.PrependUOffsetTSlot(18, interval, 0)
	b.PrependUOffsetTSlot(19, symbol, 0)
	b.PrependUOffsetTSlot(20, venue, 0)
	root := b.EndObject()

	b.Finish(root)
	return b.FinishedBytes()
}

func parseCandleOnlyBuffer(buf []byte) (*footprint.Candle, error) {
	c, err := parseFootprintBuffer(buf)
	if err != nil {
		return nil, err
	}
	c.Bins = make(map[int64]*footprint.Bin)
	return c, nil
}

// --- flatbuffer encode: aggregations-only record (FTFO, no OHLCV) ---
//
// A distinct, smaller slot layout from the full/candle-only buffers above:
// no Open/High/Low/Close/volume fields, just the bin histogram and the
// trade-accounting metadata spec.md §4.1 calls "aggregations."

func buildAggregationsOnlyBuffer(c *footprint.Candle) []byte {
	b := flatbuffers.NewBuilder(1024)

	venue := b.CreateString(string(c.Venue))
	symbol := b.CreateString(c.Symbol)
	interval := b.CreateString(c.Interval)

	binsVec := prependBinsVector(b, c.Bins)

	b.StartObject(13)
	b.PrependBoolSlot(8, c.Complete, false)
	b.PrependInt64Slot(7, c.LastTradeID, 0)
	b.PrependInt64Slot(6, c.FirstTradeID, 0)
	b.PrependInt64Slot(5, c.TradeCount, 0)
	b.PrependFloat64Slot(4, c.DeltaMax, 0)
	b.PrependFloat64Slot(3, c.DeltaMin, 0)
	b.PrependFloat64Slot(2, c.Delta, 0)
	b.PrependInt64Slot(1, c.CloseTime, 0)
	b.PrependInt64Slot(0, c.OpenTime, 0)
	b.PrependUOffsetTSlot(9, binsVec, 0)
	b.PrependUOffsetTSlot(10, interval, 0)
	b.PrependUOffsetTSlot(11, symbol, 0)
	b.PrependUOffsetTSlot(12, venue, 0)
	root := b.EndObject()

	b.Finish(root)
	return b.FinishedBytes()
}

func parseAggregationsOnlyBuffer(buf []byte) (*footprint.Candle, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("codec: footprint-only payload too short")
	}
	n := flatbuffers.GetUOffsetT(buf)
	t := &flatbuffers.Table{Bytes: buf, Pos: n}

	c := &footprint.Candle{Bins: make(map[int64]*footprint.Bin)}

	c.OpenTime = tableInt64(t, 0)
	c.CloseTime = tableInt64(t, 1)
	c.Delta = tableFloat64(t, 2)
	c.DeltaMin = tableFloat64(t, 3)
	c.DeltaMax = tableFloat64(t, 4)
	c.TradeCount = tableInt64(t, 5)
	c.FirstTradeID = tableInt64(t, 6)
	c.LastTradeID = tableInt64(t, 7)
	c.Complete = tableBool(t, 8)

	readBinsVector(t, buf, fieldOffset(9), c.Bins)

	if o := t.Offset(fieldOffset(10)); o != 0 {
		c.Interval = string(t.ByteVector(o + t.Pos))
	}
	if o := t.Offset(fieldOffset(11)); o != 0 {
		c.Symbol = string(t.ByteVector(o + t.Pos))
	}
	if o := t.Offset(fieldOffset(12)); o != 0 {
		c.Venue = trade.Venue(t.ByteVector(o + t.Pos))
	}

	return c, nil
}

// --- legacy JSON decode (read-only compatibility path) ---

type legacyCandle struct {
	Venue      string  `json:"venue"`
	Symbol     string  `json:"symbol"`
	Interval   string  `json:"interval"`
	OpenTime   int64   `json:"openTime"`
	CloseTime  int64   `json:"closeTime"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	BuyVolume  float64 `json:"buyVolume"`
	SellVolume float64 `json:"sellVolume"`
	Complete   bool    `json:"complete"`
}

func decodeLegacyJSON(payload []byte) (*footprint.Candle, error) {
	var lc legacyCandle
	if err := json.Unmarshal(payload, &lc); err != nil {
		return nil, fmt.Errorf("codec: legacy JSON decode: %w", err)
	}
	return &footprint.Candle{
		Venue:       trade.Venue(lc.Venue),
		Symbol:      lc.Symbol,
		Interval:    lc.Interval,
		OpenTime:    lc.OpenTime,
		CloseTime:   lc.CloseTime,
		Open:        lc.Open,
		High:        lc.High,
		Low:         lc.Low,
		Close:       lc.Close,
		TotalVolume: lc.Volume,
		BuyVolume:   lc.BuyVolume,
		SellVolume:  lc.SellVolume,
		Complete:    lc.Complete,
		Bins:        make(map[int64]*footprint.Bin),
	}, nil
}
