// Package message implements the fabric's identity, envelope, and
// serialization primitives: MailboxAddress, MessageBase, TimerMessage,
// and MessageBuffer (spec §3).
package message

import (
	"fmt"
	"net"
)

// LocationType is the mailbox transport kind (spec §3).
type LocationType int

const (
	Unknown LocationType = iota
	Local
	Distributed
	LocalSharedMemory
	Group
)

func (l LocationType) String() string {
	switch l {
	case Local:
		return "LOCAL"
	case Distributed:
		return "DISTRIBUTED"
	case LocalSharedMemory:
		return "LOCAL_SHARED_MEMORY"
	case Group:
		return "GROUP"
	default:
		return "UNKNOWN"
	}
}

// Kind classifies a mailbox as a physical endpoint or a logical alias over
// one (spec §3 mailboxType).
type Kind int

const (
	Physical Kind = iota
	Logical
)

// RedundantRole marks a mailbox's position in an active/standby pair.
type RedundantRole int

const (
	RoleNone RedundantRole = iota
	RoleActive
	RoleStandby
)

// Endpoint is an IPv4 + port pair used by DISTRIBUTED and GROUP addresses.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return fmt.Sprintf(":%d", e.Port)
	}
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

func (e Endpoint) compare(o Endpoint) int {
	a, b := e.IP.To4(), o.IP.To4()
	for i := 0; i < 4; i++ {
		var av, bv byte
		if a != nil {
			av = a[i]
		}
		if b != nil {
			bv = b[i]
		}
		if av != bv {
			return int(av) - int(bv)
		}
	}
	return int(e.Port) - int(o.Port)
}

// Address is the fabric's routing key (spec §3).
type Address struct {
	LocationType  LocationType
	MailboxName   string
	Endpoint      Endpoint
	NEID          string
	ShelfNumber   int
	SlotNumber    int
	MailboxType   Kind
	RedundantRole RedundantRole
}

// LocalEquivalent returns the LOCAL alias MLS synthesizes for every
// non-proxy remote mailbox it registers (spec §4.9 register protocol).
func (a Address) LocalEquivalent() Address {
	out := a
	out.LocationType = Local
	return out
}

// Compare implements the lexicographic ordering over
// (locationType, mailboxName, endpoint, neid) spec §3 specifies for
// equality/ordering.
func (a Address) Compare(o Address) int {
	if a.LocationType != o.LocationType {
		return int(a.LocationType) - int(o.LocationType)
	}
	if a.MailboxName != o.MailboxName {
		if a.MailboxName < o.MailboxName {
			return -1
		}
		return 1
	}
	if c := a.Endpoint.compare(o.Endpoint); c != 0 {
		return c
	}
	if a.NEID != o.NEID {
		if a.NEID < o.NEID {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether two addresses are identical under Compare.
func (a Address) Equal(o Address) bool { return a.Compare(o) == 0 }

func (a Address) String() string {
	switch a.LocationType {
	case Distributed, Group:
		return fmt.Sprintf("%s/%s@%s", a.LocationType, a.MailboxName, a.Endpoint)
	default:
		return fmt.Sprintf("%s/%s", a.LocationType, a.MailboxName)
	}
}

// IsRemote reports whether the address names a transport that requires
// serialization to reach (spec §4.9 find protocol step 3): anything other
// than LOCAL and UNKNOWN.
func (a Address) IsRemote() bool {
	return a.LocationType != Local && a.LocationType != Unknown
}

// IsMulticast reports whether the IPv4 destination's high bits fall in
// 224.0.0.0/4 (spec §4.7 GroupMailbox multicast-vs-broadcast detection).
func (e Endpoint) IsMulticast() bool {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return false
	}
	return ip4[0]&0xF0 == 0xE0
}
