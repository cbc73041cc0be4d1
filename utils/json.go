package utils

import (
	"bytes"
	"sync"

	"github.com/bytedance/sonic"
)

type JSONBufferPool struct {
	pool sync.Pool
}

func (p *JSONBufferPool) Get() *bytes.Buffer {
	if buf := p.pool.Get(); buf != nil {
		return buf.(*bytes.Buffer)
	}
	return bytes.NewBuffer(make([]byte, 0, 1024))
}

func (p *JSONBufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	if buf.Cap() < 16*1024 {
		p.pool.Put(buf)
	}
}

var jsonPool = &JSONBufferPool{}

func marshalWith(api sonic.API, data interface{}) ([]byte, error) {
	buf := jsonPool.Get()
	defer jsonPool.Put(buf)

	if err := api.NewEncoder(buf).Encode(data); err != nil {
		return nil, err
	}

	result := bytes.TrimRight(buf.Bytes(), "\n")
	out := make([]byte, len(result))
	copy(out, result)
	return out, nil
}

func Marshal(data interface{}) ([]byte, error) {
	return marshalWith(sonic.ConfigDefault, data)
}

// MarshalCanonical encodes with sorted map keys so that equal values always
// produce identical bytes.
func MarshalCanonical(data interface{}) ([]byte, error) {
	return marshalWith(sonic.ConfigStd, data)
}

func Unmarshal[T any](data []byte, target *T) error {
	return sonic.ConfigDefault.Unmarshal(data, target)
}
