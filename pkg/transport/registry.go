package transport

import (
	"github.com/arzzra/media_transport/pkg/rtp"
)

// registry группы транспорта. Списки групп - единственный источник
// истины, индексы по SSRC, MID и MID@RID пересобираются при каждом
// изменении (в том числе после перепривязки SSRC).
type registry struct {
	incoming []*rtp.IncomingSourceGroup
	outgoing []*rtp.OutgoingSourceGroup

	incomingBySSRC map[uint32]*rtp.IncomingSourceGroup
	outgoingBySSRC map[uint32]*rtp.OutgoingSourceGroup
	mids           map[string][]*rtp.IncomingSourceGroup
	rids           map[string]*rtp.IncomingSourceGroup
}

func newRegistry() *registry {
	r := &registry{}
	r.rebuild()
	return r
}

func ridKey(mid, rid string) string {
	return mid + "@" + rid
}

func (r *registry) rebuild() {
	r.incomingBySSRC = make(map[uint32]*rtp.IncomingSourceGroup)
	r.outgoingBySSRC = make(map[uint32]*rtp.OutgoingSourceGroup)
	r.mids = make(map[string][]*rtp.IncomingSourceGroup)
	r.rids = make(map[string]*rtp.IncomingSourceGroup)

	for _, g := range r.incoming {
		for _, ssrc := range g.SSRCs() {
			r.incomingBySSRC[ssrc] = g
		}
		if g.MID != "" {
			r.mids[g.MID] = append(r.mids[g.MID], g)
		}
		if g.RID != "" {
			r.rids[ridKey(g.MID, g.RID)] = g
		}
	}
	for _, g := range r.outgoing {
		for _, ssrc := range g.SSRCs() {
			r.outgoingBySSRC[ssrc] = g
		}
	}
}

// addIncoming регистрирует группу. При конфликте реестр не меняется.
func (r *registry) addIncoming(g *rtp.IncomingSourceGroup) error {
	for _, existing := range r.incoming {
		if existing == g {
			return newError(ErrorCodeSSRCAlreadyAssigned, g.Media.SSRC, "группа уже добавлена", nil)
		}
	}
	if err := checkSSRCs(g.SSRCs(), func(ssrc uint32) bool { return r.incomingBySSRC[ssrc] != nil }); err != nil {
		return err
	}
	if g.RID != "" {
		if _, ok := r.rids[ridKey(g.MID, g.RID)]; ok {
			return newError(ErrorCodeSSRCAlreadyAssigned, 0, "RID "+ridKey(g.MID, g.RID)+" уже привязан", nil)
		}
	}
	r.incoming = append(r.incoming, g)
	r.rebuild()
	return nil
}

func (r *registry) removeIncoming(g *rtp.IncomingSourceGroup) bool {
	for i, existing := range r.incoming {
		if existing == g {
			r.incoming = append(r.incoming[:i], r.incoming[i+1:]...)
			r.rebuild()
			return true
		}
	}
	return false
}

// addOutgoing регистрирует исходящую группу. При конфликте реестр не меняется.
func (r *registry) addOutgoing(g *rtp.OutgoingSourceGroup) error {
	for _, existing := range r.outgoing {
		if existing == g {
			return newError(ErrorCodeSSRCAlreadyAssigned, g.Media.SSRC, "группа уже добавлена", nil)
		}
	}
	if g.Media.SSRC == 0 {
		return newError(ErrorCodeSSRCAlreadyAssigned, 0, "у исходящей группы нет media SSRC", nil)
	}
	if err := checkSSRCs(g.SSRCs(), func(ssrc uint32) bool { return r.outgoingBySSRC[ssrc] != nil }); err != nil {
		return err
	}
	r.outgoing = append(r.outgoing, g)
	r.rebuild()
	return nil
}

func (r *registry) removeOutgoing(g *rtp.OutgoingSourceGroup) bool {
	for i, existing := range r.outgoing {
		if existing == g {
			r.outgoing = append(r.outgoing[:i], r.outgoing[i+1:]...)
			r.rebuild()
			return true
		}
	}
	return false
}

// checkSSRCs проверяет, что SSRC группы не заняты и не повторяются внутри нее
func checkSSRCs(ssrcs []uint32, taken func(uint32) bool) error {
	seen := make(map[uint32]struct{}, len(ssrcs))
	for _, ssrc := range ssrcs {
		if _, dup := seen[ssrc]; dup || taken(ssrc) {
			return &TransportError{Code: ErrorCodeSSRCAlreadyAssigned, Message: ErrSSRCAlreadyAssigned.Message, SSRC: ssrc}
		}
		seen[ssrc] = struct{}{}
	}
	return nil
}

func (r *registry) incomingGroup(ssrc uint32) *rtp.IncomingSourceGroup {
	return r.incomingBySSRC[ssrc]
}

func (r *registry) outgoingGroup(ssrc uint32) *rtp.OutgoingSourceGroup {
	return r.outgoingBySSRC[ssrc]
}

func (r *registry) byRID(mid, rid string) *rtp.IncomingSourceGroup {
	return r.rids[ridKey(mid, rid)]
}

// byMID первая группа с этим MID
func (r *registry) byMID(mid string) *rtp.IncomingSourceGroup {
	if groups := r.mids[mid]; len(groups) > 0 {
		return groups[0]
	}
	return nil
}

func (r *registry) clear() {
	r.incoming = nil
	r.outgoing = nil
	r.rebuild()
}
