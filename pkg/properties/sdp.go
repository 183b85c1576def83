package properties

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// FromSessionDescription строит свойства транспорта из SDP.
//
// Для каждой медиа-секции заполняются "<media>.codecs" и "<media>.ext",
// а на верхнем уровне "dtls.*" и "ice.*". Пара RTX/apt склеивается в
// поле rtx основного кодека.
func FromSessionDescription(raw []byte) (*Properties, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	p := New()
	applyTransportAttributes(p, sd.Attributes)
	for _, md := range sd.MediaDescriptions {
		applyTransportAttributes(p, md.Attributes)
		p.Merge("", FromMediaDescription(md))
	}
	return p, nil
}

func applyTransportAttributes(p *Properties, attrs []sdp.Attribute) {
	for _, a := range attrs {
		switch a.Key {
		case "fingerprint":
			parts := strings.Fields(a.Value)
			if len(parts) == 2 {
				p.Set("dtls.hash", parts[0])
				p.Set("dtls.fingerprint", parts[1])
			}
		case "setup":
			p.Set("dtls.setup", a.Value)
		case "ice-ufrag":
			p.Set("ice.ufrag", a.Value)
		case "ice-pwd":
			p.Set("ice.pwd", a.Value)
		}
	}
}

// FromMediaDescription извлекает кодеки, расширения, mid и rid из медиа-секции
func FromMediaDescription(md *sdp.MediaDescription) *Properties {
	p := New()
	media := md.MediaName.Media

	type codec struct {
		name string
		pt   int
		rtx  int
	}
	var codecs []*codec
	byPT := map[int]*codec{}
	apts := map[int]int{}

	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, rest, ok := splitPT(a.Value)
			if !ok {
				continue
			}
			name := strings.SplitN(rest, "/", 2)[0]
			c := &codec{name: strings.ToLower(name), pt: pt, rtx: -1}
			byPT[pt] = c
			codecs = append(codecs, c)
		case "fmtp":
			pt, rest, ok := splitPT(a.Value)
			if !ok {
				continue
			}
			for _, param := range strings.Split(rest, ";") {
				kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
				if len(kv) == 2 && kv[0] == "apt" {
					if apt, err := strconv.Atoi(kv[1]); err == nil {
						apts[pt] = apt
					}
				}
			}
		case "extmap":
			fields := strings.Fields(a.Value)
			if len(fields) < 2 {
				continue
			}
			id, err := strconv.Atoi(strings.SplitN(fields[0], "/", 2)[0])
			if err != nil {
				continue
			}
			ext := New()
			ext.Set("id", id)
			ext.Set("uri", fields[1])
			p.AppendChild(media+".ext", ext)
		case "mid":
			p.Set(media+".mid", a.Value)
		case "rid":
			fields := strings.Fields(a.Value)
			if len(fields) >= 2 {
				rid := New()
				rid.Set("id", fields[0])
				rid.Set("direction", fields[1])
				p.AppendChild(media+".rids", rid)
			}
		}
	}

	for rtxPT, apt := range apts {
		if c, ok := byPT[apt]; ok {
			if r, ok := byPT[rtxPT]; ok && r.name == "rtx" {
				c.rtx = rtxPT
			}
		}
	}

	for _, c := range codecs {
		if c.name == "rtx" {
			continue
		}
		item := New()
		item.Set("codec", c.name)
		item.Set("pt", c.pt)
		if c.rtx >= 0 {
			item.Set("rtx", c.rtx)
		}
		p.AppendChild(media+".codecs", item)
	}
	return p
}

func splitPT(value string) (int, string, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil || pt < 0 || pt > 127 {
		return 0, "", false
	}
	return pt, parts[1], true
}
