package rtp_test

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/media_transport/pkg/rtp"
)

// TestSeqNumUnwrap проверяет монотонность расширенного номера и
// однократное увеличение цикла при переходе 0xFFFE -> 0x0001
func TestSeqNumUnwrap(t *testing.T) {
	s := rtp.NewIncomingSource(1, 90000)

	seqs := []uint16{0xFFF0, 0xFFFE, 0xFFFA, 0x0001, 0xFFFF, 0x0002, 0x0100}
	var prev uint32
	var got []uint32
	for _, seq := range seqs {
		ext := s.SetSeqNum(seq)
		got = append(got, ext)
		if s.ExtSeqNum() < prev {
			t.Fatalf("наибольший номер уменьшился: %d < %d", s.ExtSeqNum(), prev)
		}
		prev = s.ExtSeqNum()
	}

	assert.Equal(t, []uint32{0xFFF0, 0xFFFE, 0xFFFA, 0x10001, 0xFFFF, 0x10002, 0x10100}, got)
	assert.Equal(t, uint16(1), s.Cycles(), "цикл увеличен ровно один раз")
}

func TestTimestampUnwrap(t *testing.T) {
	s := rtp.NewIncomingSource(1, 90000)
	assert.Equal(t, uint64(0xFFFFFF00), s.SetTimestamp(0xFFFFFF00))
	assert.Equal(t, uint64(1)<<32|0x10, s.SetTimestamp(0x10))
	assert.Equal(t, uint64(0xFFFFFFF0), s.SetTimestamp(0xFFFFFFF0))
}

func TestIncomingCreateReport(t *testing.T) {
	s := rtp.NewIncomingSource(7, 90000)
	now := time.Unix(1700000000, 0)

	assert.Nil(t, s.CreateReport(now), "без пакетов отчета нет")

	for _, seq := range []uint16{10, 11, 13, 14} {
		p := newVideoPacket(seq, []byte{1})
		p.SetTimestamp(uint32(seq) * 3000)
		s.Update(now, p, 100)
		now = now.Add(33 * time.Millisecond)
	}

	sr := &rtcp.SenderReport{SSRC: 7, NTPTime: rtp.NTPTimestamp(now)}
	s.ProcessSenderReport(now, sr)

	report := s.CreateReport(now.Add(500 * time.Millisecond))
	require.NotNil(t, report)
	assert.Equal(t, uint32(7), report.SSRC)
	assert.Equal(t, uint32(1), report.TotalLost)
	assert.Equal(t, uint8(256/5), report.FractionLost)
	assert.Equal(t, uint32(14), report.LastSequenceNumber)
	assert.Equal(t, rtp.NTPShort(sr.NTPTime), report.LastSenderReport)
	assert.Equal(t, uint32(0x8000), report.Delay)

	assert.Nil(t, s.CreateReport(now), "повторный отчет без новых пакетов не создается")
}

func TestOutgoingRTTFromReceiverReport(t *testing.T) {
	s := rtp.NewOutgoingSource(5, 90000)
	now := time.Unix(1700000000, 0)

	p := newVideoPacket(1, []byte{1, 2, 3})
	s.Update(now, p, 15)
	sr := s.CreateSenderReport(now)
	assert.Equal(t, uint32(1), sr.PacketCount)
	assert.Equal(t, uint32(3), sr.OctetCount)

	// удаленная сторона держала SR 100мс, ответ пришел через 150мс
	rr := rtcp.ReceptionReport{
		SSRC:             5,
		LastSenderReport: rtp.NTPShort(sr.NTPTime),
		Delay:            rtp.DurationToNTPShort(100 * time.Millisecond),
	}
	rtt, ok := s.ProcessReceiverReport(now.Add(150*time.Millisecond), rr)
	require.True(t, ok)
	assert.InDelta(t, float64(50*time.Millisecond), float64(rtt), float64(time.Millisecond))

	_, ok = s.ProcessReceiverReport(now, rtcp.ReceptionReport{SSRC: 5, LastSenderReport: 1})
	assert.False(t, ok, "чужой LSR не дает RTT")
}

func TestSenderReportExtrapolatesRTPTime(t *testing.T) {
	s := rtp.NewOutgoingSource(5, 90000)
	now := time.Unix(1700000000, 0)
	p := newVideoPacket(1, []byte{1})
	p.SetTimestamp(1000)
	s.Update(now, p, 13)

	sr := s.CreateSenderReport(now.Add(time.Second))
	assert.Equal(t, uint32(1000+90000), sr.RTPTime)
}

// TestOutgoingInsertedSeqNums вставленные пакеты получают свои номера,
// следующие номера отправителя сдвигаются, опоздавшие остаются на месте
func TestOutgoingInsertedSeqNums(t *testing.T) {
	s := rtp.NewOutgoingSource(5, 90000)
	now := time.Now()
	send := func(ext uint32) uint32 {
		wire := s.MapSeqNum(ext)
		p := rtp.NewPacket(rtp.MediaVideo, rtp.CodecVP8)
		p.SetExtSeqNum(wire)
		p.SetPayload([]byte{1})
		s.Update(now, p, 100)
		return wire
	}

	assert.Equal(t, uint32(10), send(10))
	assert.Equal(t, uint32(12), send(12))
	assert.Equal(t, uint32(13), s.InsertSeqNum())
	assert.Equal(t, uint32(14), s.InsertSeqNum())
	assert.Equal(t, uint32(15), send(13))
	assert.Equal(t, uint32(11), send(11), "опоздавший пакет сохраняет номер")
	assert.Equal(t, uint32(16), send(14))

	assert.Equal(t, uint32(17), s.InsertSeqNum())
	assert.Equal(t, uint32(18), send(15))

	s.Reset()
	assert.Equal(t, uint32(3), s.MapSeqNum(3))
}

func TestNTPRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	back := rtp.NTPTimestampToTime(rtp.NTPTimestamp(now))
	assert.WithinDuration(t, now, back, time.Microsecond)
}
