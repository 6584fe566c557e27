package plan

import (
	"strings"
)

type PeerList []PeerID

func (pl PeerList) String() string {
	var parts []string
	for _, p := range pl {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ",")
}

func (pl PeerList) Rank(ps PeerID) (int, bool) {
	for i, p := range pl {
		if p == ps {
			return i, true
		}
	}
	return -1, false
}

func (pl PeerList) Set() map[PeerID]struct{} {
	s := make(map[PeerID]struct{})
	for _, p := range pl {
		s[p] = struct{}{}
	}
	return s
}

func (pl PeerList) Select(ranks []int) PeerList {
	var ql PeerList
	for _, r := range ranks {
		ql = append(ql, pl[r])
	}
	return ql
}

func (pl PeerList) Eq(ql PeerList) bool {
	if len(pl) != len(ql) {
		return false
	}
	for i, p := range pl {
		if p != ql[i] {
			return false
		}
	}
	return true
}

func ParsePeerList(val string) (PeerList, error) {
	parts := strings.Split(val, ",")
	var pl PeerList
	for _, p := range parts {
		id, err := ParsePeerID(p)
		if err != nil {
			return nil, err
		}
		pl = append(pl, *id)
	}
	return pl, nil
}

// GenLocalPeerList generates np peers on localhost starting at basePort,
// mainly for single-machine runs and tests.
func GenLocalPeerList(np int, basePort uint16) PeerList {
	host := MustParseIPv4("127.0.0.1")
	var pl PeerList
	for i := 0; i < np; i++ {
		pl = append(pl, PeerID{IPv4: host, Port: basePort + uint16(i)})
	}
	return pl
}
