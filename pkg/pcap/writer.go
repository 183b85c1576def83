// Пакет pcap пишет датаграммы транспорта в pcap файл.
//
// Файл имеет тип канала LinkTypeRaw: каждая запись это IP пакет с UDP
// заголовком, адреса берутся из кандидатов транспорта.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapLen = 65535
	ttl     = 64
)

var (
	// ErrClosed запись после Close
	ErrClosed = errors.New("pcap writer closed")
	// ErrInvalidAddress адрес не разобран как IP
	ErrInvalidAddress = errors.New("invalid ip address")
)

// Writer pcap приемник. Безопасен для вызова из нескольких горутин.
type Writer struct {
	mutex  sync.Mutex
	closer io.Closer
	w      *pcapgo.Writer
	buf    gopacket.SerializeBuffer
	closed bool
}

// Create создает файл path и пишет заголовок
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("создание %s: %w", path, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter пишет заголовок pcap в out
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("заголовок pcap: %w", err)
	}
	return &Writer{
		w:   w,
		buf: gopacket.NewSerializeBuffer(),
	}, nil
}

// WriteUDP записывает датаграмму. truncate > 0 оставляет в файле только
// первые truncate байт данных, исходная длина сохраняется в записи.
func (w *Writer) WriteUDP(ts time.Time, srcIP string, srcPort uint16, dstIP string, dstPort uint16, data []byte, truncate int) error {
	src := net.ParseIP(srcIP)
	dst := net.ParseIP(dstIP)
	if src == nil || dst == nil {
		return fmt.Errorf("%s -> %s: %w", srcIP, dstIP, ErrInvalidAddress)
	}

	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	var network gopacket.SerializableLayer
	if src4, dst4 := src.To4(), dst.To4(); src4 != nil && dst4 != nil {
		ip := &layers.IPv4{Version: 4, TTL: ttl, Protocol: layers.IPProtocolUDP, SrcIP: src4, DstIP: dst4}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: ttl, NextHeader: layers.IPProtocolUDP, SrcIP: src.To16(), DstIP: dst.To16()}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return err
		}
		network = ip
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return ErrClosed
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, network, udp, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("сборка пакета: %w", err)
	}
	packet := w.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(packet), Length: len(packet)}
	if truncate > 0 && truncate < len(data) {
		ci.CaptureLength = len(packet) - len(data) + truncate
		packet = packet[:ci.CaptureLength]
	}
	return w.w.WritePacket(ci, packet)
}

// Close закрывает файл. Повторный вызов ничего не делает.
func (w *Writer) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
