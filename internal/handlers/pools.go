package handlers

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	requestBufferSize  = 16 * 1024
	responseBufferSize = 32 * 1024

	// maxPooledBuffer keeps buffers grown by large HTML payloads out of
	// the pools.
	maxPooledBuffer = 1 << 20
)

var requestBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, requestBufferSize))
	},
}

var responseBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, responseBufferSize))
	},
}

func getBuffer() *bytes.Buffer {
	return takeBuffer(&requestBufferPool, requestBufferSize)
}

func putBuffer(buf *bytes.Buffer) {
	returnBuffer(&requestBufferPool, buf)
}

func getResponseBuffer() *bytes.Buffer {
	return takeBuffer(&responseBufferPool, responseBufferSize)
}

func putResponseBuffer(buf *bytes.Buffer) {
	returnBuffer(&responseBufferPool, buf)
}

func takeBuffer(pool *sync.Pool, size int) *bytes.Buffer {
	buf, ok := pool.Get().(*bytes.Buffer)
	if !ok {
		log.Warn().Msg("Unexpected type from buffer pool")
		return bytes.NewBuffer(make([]byte, 0, size))
	}
	return buf
}

func returnBuffer(pool *sync.Pool, buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	pool.Put(buf)
}
