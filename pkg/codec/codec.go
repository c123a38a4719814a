// Package codec 提供按内容类型注册的序列化器
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// 内容类型
const (
	DeflateJSON = "deflate+json"
	ZstdJSON    = "zstd+json"
	JSON        = "json"
)

var ErrUnknownContentType = errors.New("unknown content type")

// Serializer 序列化与反序列化任意值
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Serializer{
		DeflateJSON: deflateJSON{},
		ZstdJSON:    newZstdJSON(),
		JSON:        plainJSON{},
	}
)

// Register 注册或替换某个内容类型的序列化器
func Register(name string, s Serializer) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = s
}

// Lookup 根据内容类型查找序列化器，未注册的类型属于配置错误
func Lookup(name string) (Serializer, error) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, name)
	}
	return s, nil
}

// MustLookup 与 Lookup 相同，但未知类型直接 panic
func MustLookup(name string) Serializer {
	s, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return s
}

type plainJSON struct{}

func (plainJSON) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (plainJSON) Deserialize(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// deflateJSON 使用 zlib 封装的 deflate，与 Node 的 deflateSync/inflateSync 互通
type deflateJSON struct{}

func (deflateJSON) Serialize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateJSON) Deserialize(data []byte) (any, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return plainJSON{}.Deserialize(raw)
}

type zstdJSON struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdJSON() *zstdJSON {
	// nil writer/reader 仅用于 EncodeAll/DecodeAll，不会失败
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil)
	return &zstdJSON{enc: enc, dec: dec}
}

func (z *zstdJSON) Serialize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdJSON) Deserialize(data []byte) (any, error) {
	raw, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return plainJSON{}.Deserialize(raw)
}
