package mls

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
)

// discoveryMessageID is reserved for DiscoveryMessage — it is never a
// valid application messageId since the fabric's own message ids are
// assigned by application factories, not by this core (spec §6
// "MessageFactory ... excluded from scope"); this constant simply needs
// to not collide with whatever an embedding application picks, so it
// sits at the top of the 16-bit id space.
const discoveryMessageID = 0xFFFF

// DiscoveryAction classifies a DiscoveryMessage as an announcement or a
// withdrawal of the carried address (spec §4.9 "announces local
// non-proxy remote addresses when they register/deregister").
type DiscoveryAction uint8

const (
	DiscoveryAnnounce DiscoveryAction = iota
	DiscoveryWithdraw
)

// DiscoveryMessage is the only concrete message type this core defines
// (spec §6 excludes "discovery message definitions" from scope, i.e. the
// actual payload shape is left to the embedding application — except for
// this one wire-level signal the discovery mechanism itself needs to
// exist at all).
type DiscoveryMessage struct {
	message.Base
	Action  DiscoveryAction
	Address message.Address
}

func NewDiscoveryMessage(action DiscoveryAction, addr message.Address) *DiscoveryMessage {
	return &DiscoveryMessage{Base: message.NewBase(discoveryMessageID, 1), Action: action, Address: addr}
}

func (m *DiscoveryMessage) Serialize(buf *message.Buffer) error {
	if err := buf.PutUint16(uint16(m.Action)); err != nil {
		return err
	}
	if err := buf.PutUint16(uint16(m.Address.LocationType)); err != nil {
		return err
	}
	if err := buf.PutString(m.Address.MailboxName); err != nil {
		return err
	}
	if err := buf.PutString(m.Address.NEID); err != nil {
		return err
	}
	if err := buf.PutUint32(ipv4ToUint32(m.Address.Endpoint.IP)); err != nil {
		return err
	}
	return buf.PutUint16(m.Address.Endpoint.Port)
}

func (m *DiscoveryMessage) Deserialize(buf *message.Buffer) error {
	action, err := buf.GetUint16()
	if err != nil {
		return err
	}
	locType, err := buf.GetUint16()
	if err != nil {
		return err
	}
	name, err := buf.GetString()
	if err != nil {
		return err
	}
	neid, err := buf.GetString()
	if err != nil {
		return err
	}
	ip, err := buf.GetUint32()
	if err != nil {
		return err
	}
	port, err := buf.GetUint16()
	if err != nil {
		return err
	}

	m.Action = DiscoveryAction(action)
	m.Address = message.Address{
		LocationType: message.LocationType(locType),
		MailboxName:  name,
		NEID:         neid,
		Endpoint:     message.Endpoint{IP: uint32ToIPv4(ip), Port: port},
	}
	return nil
}

func ipv4ToUint32(ip net.IP) uint32 {
	b := ip.To4()
	if b == nil {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToIPv4(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// MatchCriteria selects which announced addresses a discovery
// subscription is notified about (spec §4.9 "fields set to non-default
// in matchCriteria participate in the match; defaulted fields are
// wildcards").
type MatchCriteria struct {
	LocationType message.LocationType
	MailboxName  string
	NEID         string
}

func (c MatchCriteria) matches(addr message.Address) bool {
	if c.LocationType != message.Unknown && c.LocationType != addr.LocationType {
		return false
	}
	if c.MailboxName != "" && c.MailboxName != addr.MailboxName {
		return false
	}
	if c.NEID != "" && c.NEID != addr.NEID {
		return false
	}
	return true
}

type subscription struct {
	id       string
	criteria MatchCriteria
	notify   *mailbox.Handle
}

// discoveryManager is the "DM" of spec §4.9: it tracks this process's
// locally-announced non-proxy remote addresses, accepts subscriptions
// matched against them, and — when a group-mailbox factory was
// configured on the owning Service — fans announcements out over a real
// GroupMailbox so remote MLS instances see them too.
type discoveryManager struct {
	mu            sync.Mutex
	announced     map[string]message.Address
	subscriptions map[string]subscription

	groupHandle *mailbox.OwnerHandle // nil when no transport was configured
	groupProxy  *mailbox.Handle
}

func newDiscoveryManager() *discoveryManager {
	return &discoveryManager{
		announced:     make(map[string]message.Address),
		subscriptions: make(map[string]subscription),
	}
}

// attachTransport wires a live group mailbox owner handle (receiver) and
// a proxy handle (sender) for propagating announcements across hosts.
// Both are optional; a Service with no group-mailbox configuration keeps
// discovery purely in-process (same-process subscribers still work).
func (dm *discoveryManager) attachTransport(owner *mailbox.OwnerHandle, proxy *mailbox.Handle) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.groupHandle = owner
	dm.groupProxy = proxy
}

// announceLocal records addr as locally-announced and notifies every
// matching subscription — in-process delivery always happens; wire
// propagation happens additionally when a transport is attached.
func (dm *discoveryManager) announceLocal(action DiscoveryAction, addr message.Address) {
	dm.mu.Lock()
	key := addr.String()
	if action == DiscoveryAnnounce {
		dm.announced[key] = addr
	} else {
		delete(dm.announced, key)
	}
	subs := make([]subscription, 0, len(dm.subscriptions))
	for _, s := range dm.subscriptions {
		if s.criteria.matches(addr) {
			subs = append(subs, s)
		}
	}
	proxy := dm.groupProxy
	dm.mu.Unlock()

	for _, s := range subs {
		_ = s.notify.Post(NewDiscoveryMessage(action, addr), 0)
	}
	if proxy != nil {
		_ = proxy.Post(NewDiscoveryMessage(action, addr), 0)
	}
}

// registerForUpdates returns the already-known matches and stores the
// subscription so future announcements matching criteria are posted to
// notify (spec §4.9 registerForDiscoveryUpdates).
func (dm *discoveryManager) registerForUpdates(criteria MatchCriteria, notify *mailbox.Handle) (string, []message.Address) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var current []message.Address
	for _, addr := range dm.announced {
		if criteria.matches(addr) {
			current = append(current, addr)
		}
	}

	id := uuid.NewString()
	dm.subscriptions[id] = subscription{id: id, criteria: criteria, notify: notify}
	return id, current
}

func (dm *discoveryManager) removeSubscription(id string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.subscriptions, id)
}

// shutdownTransport deactivates the discovery bridge's group mailbox pair
// if one was attached (Service.Shutdown calls this unconditionally; it is
// a no-op when discovery was never enabled).
func (dm *discoveryManager) shutdownTransport() {
	dm.mu.Lock()
	owner, proxy := dm.groupHandle, dm.groupProxy
	dm.groupHandle, dm.groupProxy = nil, nil
	dm.mu.Unlock()

	if proxy != nil {
		_ = proxy.Close()
	}
	if owner != nil {
		_ = owner.Deactivate()
	}
}

// deliverRemote feeds an inbound DiscoveryMessage (received over the
// group mailbox from another host's MLS) to matching local subscriptions.
func (dm *discoveryManager) deliverRemote(msg *DiscoveryMessage) {
	dm.mu.Lock()
	subs := make([]subscription, 0, len(dm.subscriptions))
	for _, s := range dm.subscriptions {
		if s.criteria.matches(msg.Address) {
			subs = append(subs, s)
		}
	}
	dm.mu.Unlock()

	for _, s := range subs {
		_ = s.notify.Post(NewDiscoveryMessage(msg.Action, msg.Address), 0)
	}
}
