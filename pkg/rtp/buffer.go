package rtp

import (
	"fmt"
	"sync"
)

const (
	// MTU максимальный размер датаграммы, который транспорт отправляет
	MTU = 1500
	// BufferCapacity емкость буфера для чтения из сокета и сериализации
	BufferCapacity = 1600
)

// Buffer буфер фиксированной емкости для чтения и записи пакетов.
// Емкость не меняется, меняется только длина полезных данных.
type Buffer struct {
	data []byte
	size int
}

// NewBuffer создает буфер заданной емкости
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity)}
}

var bufferPool = sync.Pool{
	New: func() interface{} { return NewBuffer(BufferCapacity) },
}

// AcquireBuffer берет буфер BufferCapacity из пула
func AcquireBuffer() *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.size = 0
	return b
}

// ReleaseBuffer возвращает буфер в пул
func ReleaseBuffer(b *Buffer) {
	if b == nil || cap(b.data) != BufferCapacity {
		return
	}
	bufferPool.Put(b)
}

// Data возвращает полезные данные
func (b *Buffer) Data() []byte {
	return b.data[:b.size]
}

// Space возвращает весь буфер для записи
func (b *Buffer) Space() []byte {
	return b.data[:cap(b.data)]
}

// Capacity емкость буфера
func (b *Buffer) Capacity() int {
	return cap(b.data)
}

// Size длина полезных данных
func (b *Buffer) Size() int {
	return b.size
}

// SetSize задает длину полезных данных
func (b *Buffer) SetSize(n int) error {
	if n < 0 || n > cap(b.data) {
		return fmt.Errorf("размер %d вне емкости буфера %d", n, cap(b.data))
	}
	b.size = n
	return nil
}

// Set копирует данные в буфер
func (b *Buffer) Set(data []byte) error {
	if len(data) > cap(b.data) {
		return fmt.Errorf("данные %d байт не помещаются в буфер %d: %w", len(data), cap(b.data), ErrBufferTooSmall)
	}
	b.size = copy(b.data[:cap(b.data)], data)
	return nil
}

// Clone копирует полезные данные в новый буфер той же емкости
func (b *Buffer) Clone() *Buffer {
	c := NewBuffer(cap(b.data))
	c.size = copy(c.data, b.Data())
	return c
}

// Reset обнуляет длину
func (b *Buffer) Reset() {
	b.size = 0
}
