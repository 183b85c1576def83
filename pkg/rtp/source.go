package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// IncomingSource статистика одного входящего SSRC (RFC 3550).
//
// Разворачивает 16-битный номер в расширенный, считает потери,
// повторы и jitter, хранит последний SR для блока отчета о приеме.
type IncomingSource struct {
	SSRC      uint32
	ClockRate uint32

	started   bool
	cycles    uint16
	maxSeq    uint16
	baseSeq   uint32 // расширенный номер первого пакета
	tsCycles  uint32
	maxTS     uint32
	tsStarted bool

	NumPackets    uint32
	NumRTXPackets uint32
	TotalBytes    uint64
	Repeated      uint32
	Dropped       uint32

	jitter      float64
	lastTransit int64
	hasTransit  bool

	// снимок на момент последнего отчета
	expectedPrior      uint32
	receivedPrior      uint32
	packetsSinceReport uint32

	lastSRNTP        uint64
	lastSRRTP        uint32
	lastSRReceivedAt time.Time

	LastNACKAt time.Time
	TotalNACKs uint32

	LastTime time.Time
	bitrate  *Accumulator
}

// NewIncomingSource создает источник с частотой часов clockRate
func NewIncomingSource(ssrc, clockRate uint32) *IncomingSource {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &IncomingSource{SSRC: ssrc, ClockRate: clockRate, bitrate: NewAccumulator(time.Second)}
}

// Reset сбрасывает состояние при перезапуске потока
func (s *IncomingSource) Reset() {
	ssrc, rate := s.SSRC, s.ClockRate
	*s = IncomingSource{SSRC: ssrc, ClockRate: rate, bitrate: NewAccumulator(time.Second)}
}

// ExtSeqNum наибольший расширенный номер
func (s *IncomingSource) ExtSeqNum() uint32 {
	return uint32(s.cycles)<<16 | uint32(s.maxSeq)
}

// Cycles текущее число циклов
func (s *IncomingSource) Cycles() uint16 {
	return s.cycles
}

// SetSeqNum разворачивает номер и возвращает расширенный номер пакета.
// Переход через 0xFFFF увеличивает цикл, опоздавший пакет из прошлого
// цикла получает предыдущий цикл без изменения состояния.
func (s *IncomingSource) SetSeqNum(seq uint16) uint32 {
	if !s.started {
		s.started = true
		s.maxSeq = seq
		s.baseSeq = uint32(seq)
		return uint32(seq)
	}

	switch {
	case seq < s.maxSeq && s.maxSeq-seq > 0x8000:
		// перескок вперед через ноль
		s.cycles++
		s.maxSeq = seq
	case seq > s.maxSeq && seq-s.maxSeq > 0x8000:
		// опоздавший пакет из предыдущего цикла
		if s.cycles == 0 {
			return uint32(seq)
		}
		return uint32(s.cycles-1)<<16 | uint32(seq)
	case seq > s.maxSeq:
		s.maxSeq = seq
	}
	return uint32(s.cycles)<<16 | uint32(seq)
}

// SetTimestamp разворачивает timestamp в 64-битный
func (s *IncomingSource) SetTimestamp(ts uint32) uint64 {
	if !s.tsStarted {
		s.tsStarted = true
		s.maxTS = ts
		return uint64(ts)
	}
	switch {
	case ts < s.maxTS && s.maxTS-ts > 0x80000000:
		s.tsCycles++
		s.maxTS = ts
	case ts > s.maxTS && ts-s.maxTS > 0x80000000:
		if s.tsCycles == 0 {
			return uint64(ts)
		}
		return uint64(s.tsCycles-1)<<32 | uint64(ts)
	case ts > s.maxTS:
		s.maxTS = ts
	}
	return uint64(s.tsCycles)<<32 | uint64(ts)
}

// Update учитывает принятый пакет: номер, timestamp, jitter и битрейт.
// Возвращает расширенный номер.
func (s *IncomingSource) Update(now time.Time, p *Packet, size int) uint32 {
	ext := s.SetSeqNum(p.SeqNum())
	p.SetSeqCycles(uint16(ext >> 16))
	p.SetExtTimestamp(s.SetTimestamp(p.Timestamp()))

	s.NumPackets++
	s.packetsSinceReport++
	s.TotalBytes += uint64(size)
	s.LastTime = now
	s.bitrate.Update(now, size)

	if !p.IsPaddingOnly() {
		arrival := now.Unix()*int64(s.ClockRate) + int64(now.Nanosecond())*int64(s.ClockRate)/int64(time.Second)
		transit := arrival - int64(p.Timestamp())
		if s.hasTransit {
			s.jitter = CalculateJitter(transit, s.lastTransit, s.jitter)
		}
		s.lastTransit = transit
		s.hasTransit = true
	}
	return ext
}

// Jitter текущая оценка jitter в единицах RTP часов
func (s *IncomingSource) Jitter() uint32 {
	return uint32(s.jitter)
}

// Bitrate битрейт за последнюю секунду
func (s *IncomingSource) Bitrate(now time.Time) uint64 {
	return s.bitrate.Bitrate(now)
}

// Expected ожидаемое число пакетов
func (s *IncomingSource) Expected() uint32 {
	if !s.started {
		return 0
	}
	return s.ExtSeqNum() - s.baseSeq + 1
}

// Lost кумулятивные потери (может быть отрицательным при дубликатах)
func (s *IncomingSource) Lost() int32 {
	return int32(s.Expected() - s.NumPackets)
}

// ProcessSenderReport запоминает NTP и RTP время SR
func (s *IncomingSource) ProcessSenderReport(now time.Time, sr *rtcp.SenderReport) {
	s.lastSRNTP = sr.NTPTime
	s.lastSRRTP = sr.RTPTime
	s.lastSRReceivedAt = now
}

// LastSenderReport время приема последнего SR
func (s *IncomingSource) LastSenderReport() (ntp uint64, rtpTime uint32, receivedAt time.Time) {
	return s.lastSRNTP, s.lastSRRTP, s.lastSRReceivedAt
}

// CreateReport строит блок отчета о приеме. nil, если с прошлого
// отчета не было пакетов.
func (s *IncomingSource) CreateReport(now time.Time) *rtcp.ReceptionReport {
	if s.packetsSinceReport == 0 {
		return nil
	}

	expected := s.Expected()
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.NumPackets - s.receivedPrior
	lostInterval := expectedInterval - receivedInterval

	s.expectedPrior = expected
	s.receivedPrior = s.NumPackets
	s.packetsSinceReport = 0

	lost := s.Lost()
	if lost < 0 {
		lost = 0
	}
	if lost > 0x7FFFFF {
		lost = 0x7FFFFF
	}

	report := &rtcp.ReceptionReport{
		SSRC:               s.SSRC,
		FractionLost:       CalculateFractionLost(expectedInterval, lostInterval),
		TotalLost:          uint32(lost),
		LastSequenceNumber: s.ExtSeqNum(),
		Jitter:             s.Jitter(),
	}
	if !s.lastSRReceivedAt.IsZero() {
		report.LastSenderReport = NTPShort(s.lastSRNTP)
		report.Delay = DurationToNTPShort(now.Sub(s.lastSRReceivedAt))
	}
	return report
}

// OutgoingSource статистика исходящего SSRC.
//
// Поля читаются путем отправки и обработкой RTCP, поэтому защищены
// собственным мьютексом.
type OutgoingSource struct {
	SSRC      uint32
	ClockRate uint32

	mutex sync.RWMutex

	nextExtSeq      uint32
	numPackets      uint32

	// сдвиг номеров отправителя на пакеты, вставленные транспортом.
	// Номера до offsetFrom идут с прежним сдвигом.
	seqOffset     uint32
	prevSeqOffset uint32
	offsetFrom    uint32
	lastInputSeq  uint32
	hasInputSeq   bool
	numBytes        uint64 // октеты полезной нагрузки для SR
	totalBytes      uint64
	lastTimestamp   uint64
	lastPayloadType uint8
	lastTime        time.Time

	lastSRNTP  uint32
	lastSRSent time.Time

	rtt          time.Duration
	remb         uint64
	fractionLost uint8
	totalLost    uint32
	jitter       uint32

	bitrate *Accumulator
}

// OutgoingSourceStats снимок полей исходящего источника
type OutgoingSourceStats struct {
	SSRC          uint32
	Packets       uint32
	Bytes         uint64
	LastTimestamp uint64
	LastTime      time.Time
	RTT           time.Duration
	REMB          uint64
	Bitrate       uint64
	FractionLost  uint8
	TotalLost     uint32
	Jitter        uint32
}

// NewOutgoingSource создает источник с частотой часов clockRate
func NewOutgoingSource(ssrc, clockRate uint32) *OutgoingSource {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &OutgoingSource{SSRC: ssrc, ClockRate: clockRate, bitrate: NewAccumulator(time.Second)}
}

// NextSeqNum выдает следующий расширенный номер последовательности
func (s *OutgoingSource) NextSeqNum() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ext := s.nextExtSeq
	s.nextExtSeq++
	return ext
}

// MapSeqNum переводит расширенный номер отправителя в номер на проводе.
// Номерами на проводе владеет транспорт: пакеты, вставленные через
// InsertSeqNum, сдвигают все последующие номера отправителя.
func (s *OutgoingSource) MapSeqNum(ext uint32) uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.hasInputSeq || ext > s.lastInputSeq {
		s.lastInputSeq = ext
		s.hasInputSeq = true
	}
	if ext < s.offsetFrom {
		return ext + s.prevSeqOffset
	}
	return ext + s.seqOffset
}

// InsertSeqNum выдает номер на проводе для пакета, которого нет в потоке
// отправителя (паддинг зондирования)
func (s *OutgoingSource) InsertSeqNum() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ext := s.nextExtSeq
	s.nextExtSeq++

	var from uint32
	if s.hasInputSeq {
		from = s.lastInputSeq + 1
	}
	if from != s.offsetFrom {
		s.prevSeqOffset = s.seqOffset
		s.offsetFrom = from
	}
	s.seqOffset++
	return ext
}

// Update учитывает отправленный пакет
func (s *OutgoingSource) Update(now time.Time, p *Packet, size int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.numPackets++
	s.numBytes += uint64(p.MediaLength())
	s.totalBytes += uint64(size)
	s.bitrate.Update(now, size)
	if p.ExtSeqNum() >= s.nextExtSeq {
		s.nextExtSeq = p.ExtSeqNum() + 1
	}
	if !p.IsPaddingOnly() {
		s.lastTimestamp = p.ExtTimestamp()
		s.lastPayloadType = p.PayloadType()
		s.lastTime = now
	}
}

// CreateSenderReport строит SR. RTP время экстраполируется от последнего
// отправленного пакета по часам источника.
func (s *OutgoingSource) CreateSenderReport(now time.Time) *rtcp.SenderReport {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ntp := NTPTimestamp(now)
	rtpTime := uint32(s.lastTimestamp)
	if !s.lastTime.IsZero() {
		elapsed := now.Sub(s.lastTime)
		rtpTime += uint32(int64(elapsed) * int64(s.ClockRate) / int64(time.Second))
	}

	s.lastSRNTP = NTPShort(ntp)
	s.lastSRSent = now

	return &rtcp.SenderReport{
		SSRC:        s.SSRC,
		NTPTime:     ntp,
		RTPTime:     rtpTime,
		PacketCount: s.numPackets,
		OctetCount:  uint32(s.numBytes),
	}
}

// ProcessReceiverReport применяет блок RR и возвращает RTT, если блок
// ссылается на наш последний SR (RFC 3550 6.4.1: A - LSR - DLSR).
func (s *OutgoingSource) ProcessReceiverReport(now time.Time, report rtcp.ReceptionReport) (time.Duration, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.fractionLost = report.FractionLost
	s.totalLost = report.TotalLost
	s.jitter = report.Jitter

	if report.LastSenderReport == 0 || report.LastSenderReport != s.lastSRNTP {
		return 0, false
	}
	arrival := NTPShort(NTPTimestamp(now))
	rttNTP := arrival - report.LastSenderReport - report.Delay
	if int32(rttNTP) < 0 {
		rttNTP = 0
	}
	s.rtt = NTPShortToDuration(rttNTP)
	return s.rtt, true
}

// SetRTT задает RTT, полученный другим путем
func (s *OutgoingSource) SetRTT(rtt time.Duration) {
	s.mutex.Lock()
	s.rtt = rtt
	s.mutex.Unlock()
}

// RTT текущая оценка
func (s *OutgoingSource) RTT() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.rtt
}

// SetREMB запоминает оценку битрейта удаленной стороны
func (s *OutgoingSource) SetREMB(bitrate uint64) {
	s.mutex.Lock()
	s.remb = bitrate
	s.mutex.Unlock()
}

// REMB последняя оценка битрейта удаленной стороны
func (s *OutgoingSource) REMB() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.remb
}

// Bitrate битрейт отправки за последнюю секунду
func (s *OutgoingSource) Bitrate(now time.Time) uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.bitrate.Bitrate(now)
}

// HasSent true, если через источник прошел хотя бы один пакет
func (s *OutgoingSource) HasSent() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.numPackets > 0
}

// Stats снимок полей под блокировкой
func (s *OutgoingSource) Stats(now time.Time) OutgoingSourceStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return OutgoingSourceStats{
		SSRC:          s.SSRC,
		Packets:       s.numPackets,
		Bytes:         s.totalBytes,
		LastTimestamp: s.lastTimestamp,
		LastTime:      s.lastTime,
		RTT:           s.rtt,
		REMB:          s.remb,
		Bitrate:       s.bitrate.Bitrate(now),
		FractionLost:  s.fractionLost,
		TotalLost:     s.totalLost,
		Jitter:        s.jitter,
	}
}

// Reset сбрасывает счетчики
func (s *OutgoingSource) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextExtSeq = 0
	s.seqOffset, s.prevSeqOffset, s.offsetFrom = 0, 0, 0
	s.lastInputSeq, s.hasInputSeq = 0, false
	s.numPackets = 0
	s.numBytes = 0
	s.totalBytes = 0
	s.lastTimestamp = 0
	s.lastTime = time.Time{}
	s.lastSRNTP = 0
	s.lastSRSent = time.Time{}
	s.bitrate.Reset()
}
