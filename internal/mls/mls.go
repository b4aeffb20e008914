// Package mls implements the MailboxLookupService (spec §4.9): the
// process-wide registry that resolves a MailboxAddress to a live handle,
// synthesizes proxy mailboxes on miss, and bridges local registrations
// into cross-host discovery.
//
// Grounded on the teacher's patterns/multicast_registry/coordinator.go for
// the lock-guarded registry shape (release the lock before a call that can
// reenter) that this service's two independent registries generalize.
package mls

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/dashingfabric/mailbox/internal/mailbox"
	"github.com/dashingfabric/mailbox/internal/message"
	"github.com/dashingfabric/mailbox/internal/mlserr"
	"github.com/dashingfabric/mailbox/internal/opm"
)

// discoveryProxyName is the mailbox name the Service registers its own
// discovery-bridge GroupMailboxProxy under, so Register can recognize and
// reject it "by name to avoid recursion" (spec §4.9 register protocol).
const discoveryProxyName = "__mls_discovery__"

// Config configures the Service's proxy-synthesis and discovery-bridge
// behavior (SPEC_FULL §6 MLSConfig).
type Config struct {
	Manager      *opm.Manager
	BufferPoolID int
	GroupOptions mailbox.GroupOptions

	DiscoveryEnabled bool
	DiscoveryGroup   message.Endpoint // e.g. 224.9.9.1:7777

	Debug bool
}

// Service is the process-wide MailboxLookupService: three registries (two
// held here, the discovery set held inside discoveryManager) behind two
// independent, non-recursive mutexes (spec §5 "MLS has two independent
// mutexes (local and proxy registry)").
type Service struct {
	cfg Config

	localMu sync.Mutex
	local   map[string]mailbox.Mailbox

	proxyMu sync.Mutex
	proxy   map[string]mailbox.Mailbox

	discovery *discoveryManager

	subMu    sync.Mutex
	subsByOwner map[string][]string // owner address key -> subscription ids registered under it
}

// NewService constructs a Service with empty registries. If
// cfg.DiscoveryEnabled, the discovery bridge's group mailbox pair is
// activated immediately so cross-host propagation is live from the start;
// a Service with discovery disabled still serves local/proxy find and
// register, just without cross-host fan-out.
func NewService(cfg Config) (*Service, error) {
	s := &Service{
		cfg:         cfg,
		local:       make(map[string]mailbox.Mailbox),
		proxy:       make(map[string]mailbox.Mailbox),
		discovery:   newDiscoveryManager(),
		subsByOwner: make(map[string][]string),
	}
	if cfg.DiscoveryEnabled {
		if err := s.startDiscoveryTransport(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) startDiscoveryTransport() error {
	addr := message.Address{LocationType: message.Group, MailboxName: discoveryProxyName, Endpoint: s.cfg.DiscoveryGroup}

	recv := mailbox.NewGroup(addr, s, discoveryFactory{}, s.cfg.GroupOptions, s.cfg.Debug)
	recvOwner := mailbox.NewOwnerHandle(recv)
	if err := recvOwner.Activate(); err != nil {
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessage("mls discovery bridge receiver activate failed").WithSource("mls").Build()
	}

	sendAddr := message.Address{LocationType: message.Group, MailboxName: discoveryProxyName, Endpoint: s.cfg.DiscoveryGroup}
	send := mailbox.NewGroupProxy(sendAddr, s, s.cfg.Manager, s.cfg.BufferPoolID, s.cfg.GroupOptions, s.cfg.Debug)
	sendOwner := mailbox.NewOwnerHandle(send)
	if err := sendOwner.Activate(); err != nil {
		_ = recvOwner.Deactivate()
		return mlserr.Wrap(mlserr.TransportFatal, err).WithMessage("mls discovery bridge sender activate failed").WithSource("mls").Build()
	}

	s.discovery.attachTransport(recvOwner, sendOwner.Downgrade())
	go s.pumpDiscoveryInbox(recvOwner)
	return nil
}

// pumpDiscoveryInbox drains the discovery bridge's receiving mailbox and
// hands every inbound DiscoveryMessage to the discovery manager, until the
// mailbox deactivates and GetMessage starts returning false.
func (s *Service) pumpDiscoveryInbox(owner *mailbox.OwnerHandle) {
	for {
		msg, ok := owner.GetMessage(0)
		if !ok {
			return
		}
		dm, ok := msg.(*DiscoveryMessage)
		if !ok {
			slog.Warn("mls discovery bridge received non-discovery message", "message_id", msg.ID())
			continue
		}
		s.discovery.deliverRemote(dm)
	}
}

// discoveryFactory reconstructs the one message type the discovery bridge
// ever receives (spec §6 "MessageFactory ... the core depends only on
// this signature").
type discoveryFactory struct{}

func (discoveryFactory) RecreateMessageFromBuffer(id uint16, buf *message.Buffer) (message.Message, error) {
	if id != discoveryMessageID {
		return nil, mlserr.New(mlserr.InvalidArgument).WithMessagef("discovery factory: unexpected message id %d", id).WithSource("mls").Build()
	}
	msg := &DiscoveryMessage{}
	if err := msg.Deserialize(buf); err != nil {
		return nil, err
	}
	return msg, nil
}

// addrKey is the registries' map key: message.Address embeds a net.IP
// (not a comparable type), so Address itself can't key a Go map — this
// mirrors spec §3's stated ordering fields instead.
func addrKey(addr message.Address) string {
	return fmt.Sprintf("%d|%s|%s|%s", addr.LocationType, addr.MailboxName, addr.Endpoint.String(), addr.NEID)
}

// Register implements mailbox.Registrar (spec §4.9 register protocol).
// Called by a mailbox's own Activate, never directly by applications.
func (s *Service) Register(addr message.Address, mbx mailbox.Mailbox) error {
	if addr.MailboxName == discoveryProxyName {
		// Both legs of the Service's own discovery bridge (the receiving
		// GroupMailbox and the sending GroupMailboxProxy) register under
		// this reserved name. Neither belongs in a public registry or the
		// discovery-announced set: the Service holds their owner handles
		// directly, and announcing the bridge's own address to itself
		// would self-chatter (spec §4.9 "rejected by name to avoid
		// recursion" — extended here to the receiver too, since it's the
		// same internal implementation detail).
		return nil
	}

	switch {
	case addr.LocationType == message.Local:
		return s.registerLocal(addr, mbx)
	case mailbox.IsProxy(mbx):
		return s.registerProxy(addr, mbx)
	default:
		return s.registerNonProxyRemote(addr, mbx)
	}
}

func (s *Service) registerLocal(addr message.Address, mbx mailbox.Mailbox) error {
	key := addrKey(addr)
	s.localMu.Lock()
	incumbent, duplicate := s.local[key]
	s.localMu.Unlock()

	// The incumbent must be fully deactivated — and thus deregistered,
	// since Deactivate reenters deregisterLocal — before the replacement
	// is inserted. Inserting first and deactivating after lets the
	// reentrant deregisterLocal's delete-by-key remove the replacement
	// instead of the incumbent. A mailbox re-registering itself is not a
	// duplicate and is simply re-inserted.
	if duplicate && incumbent != mbx {
		s.replaceDuplicate(addr, incumbent)
	}

	s.localMu.Lock()
	s.local[key] = mbx
	s.localMu.Unlock()
	return nil
}

// registerNonProxyRemote handles a just-activated DistributedMailbox,
// GroupMailbox, or SMFifo server: it gets a LOCAL-equivalent alias (so
// same-process senders skip serialization) AND is announced to the
// discovery manager (spec §4.9 "produce TWO registrations").
func (s *Service) registerNonProxyRemote(addr message.Address, mbx mailbox.Mailbox) error {
	if err := s.registerLocal(addr.LocalEquivalent(), mbx); err != nil {
		return err
	}
	s.discovery.announceLocal(DiscoveryAnnounce, addr)
	return nil
}

func (s *Service) registerProxy(addr message.Address, mbx mailbox.Mailbox) error {
	key := addrKey(addr)
	s.proxyMu.Lock()
	incumbent, duplicate := s.proxy[key]
	s.proxyMu.Unlock()

	if duplicate {
		s.replaceDuplicate(addr, incumbent)
	}

	s.proxyMu.Lock()
	s.proxy[key] = mbx
	s.proxyMu.Unlock()
	return nil
}

// replaceDuplicate deactivates an incumbent mailbox being displaced by a
// new registration under the same address (spec §4.9 "if the incumbent is
// active, call deactivate on it ... before inserting the new one"). The
// registry mutex is already released by the caller before this runs,
// since Deactivate calls back into Deregister (spec §5 "drop the lock
// first").
func (s *Service) replaceDuplicate(addr message.Address, incumbent mailbox.Mailbox) {
	if !incumbent.IsActive() {
		return
	}
	slog.Warn("mls duplicate registration, deactivating incumbent", "address", addr.String())
	if err := incumbent.Deactivate(nil); err != nil {
		slog.Warn("mls failed to deactivate displaced incumbent", "address", addr.String(), "error", err)
	}
}

// Deregister implements mailbox.Registrar (spec §4.9 deregister protocol).
func (s *Service) Deregister(addr message.Address) error {
	if addr.MailboxName == discoveryProxyName {
		return nil
	}
	switch {
	case addr.LocationType == message.Local:
		return s.deregisterLocal(addr)
	default:
		if ok := s.removeProxy(addr); ok {
			return nil
		}
		return s.deregisterNonProxyRemote(addr)
	}
}

func (s *Service) deregisterLocal(addr message.Address) error {
	key := addrKey(addr)
	s.localMu.Lock()
	_, ok := s.local[key]
	if ok {
		delete(s.local, key)
	}
	s.localMu.Unlock()
	if !ok {
		return mlserr.New(mlserr.NotFound).WithMessagef("mls deregister: %s not registered", addr.String()).WithSource("mls").Build()
	}
	return nil
}

func (s *Service) removeProxy(addr message.Address) bool {
	key := addrKey(addr)
	s.proxyMu.Lock()
	_, ok := s.proxy[key]
	if ok {
		delete(s.proxy, key)
	}
	s.proxyMu.Unlock()
	return ok
}

func (s *Service) deregisterNonProxyRemote(addr message.Address) error {
	if err := s.deregisterLocal(addr.LocalEquivalent()); err != nil {
		return err
	}
	s.discovery.announceLocal(DiscoveryWithdraw, addr)
	s.removeOwnedSubscriptions(addrKey(addr))
	return nil
}

// Find implements the find protocol (spec §4.9 steps 1-4).
func (s *Service) Find(addr message.Address) (*mailbox.Handle, error) {
	if addr.LocationType == message.Unknown {
		return nil, mlserr.New(mlserr.InvalidArgument).WithMessage("mls find: locationType UNKNOWN").WithSource("mls").Build()
	}

	if addr.LocationType == message.Local {
		s.localMu.Lock()
		mbx, ok := s.local[addrKey(addr)]
		s.localMu.Unlock()
		if !ok {
			return nil, mlserr.New(mlserr.NotFound).WithMessagef("mls find: %s not registered", addr.String()).WithSource("mls").Build()
		}
		return mailbox.NewHandle(mbx), nil
	}

	key := addrKey(addr)
	s.proxyMu.Lock()
	mbx, ok := s.proxy[key]
	s.proxyMu.Unlock()
	if ok {
		return mailbox.NewHandle(mbx), nil
	}

	return s.synthesizeProxy(addr)
}

// synthesizeProxy implements find protocol step 4: construct the
// appropriate proxy kind, activate it (which re-enters Register under
// `proxy`), then hand the caller the single reference that activation
// produced.
func (s *Service) synthesizeProxy(addr message.Address) (*mailbox.Handle, error) {
	var mbx mailbox.Mailbox
	switch addr.LocationType {
	case message.Distributed:
		mbx = mailbox.NewDistributedProxy(addr, s, s.cfg.Manager, s.cfg.BufferPoolID, s.cfg.Debug)
	case message.Group:
		mbx = mailbox.NewGroupProxy(addr, s, s.cfg.Manager, s.cfg.BufferPoolID, s.cfg.GroupOptions, s.cfg.Debug)
	case message.LocalSharedMemory:
		mbx = mailbox.NewSMFifoProxy(addr, s, s.cfg.Debug)
	default:
		return nil, mlserr.New(mlserr.InvalidArgument).WithMessagef("mls find: unsupported remote locationType %s", addr.LocationType).WithSource("mls").Build()
	}

	owner := mailbox.NewOwnerHandle(mbx)
	if err := owner.Activate(); err != nil {
		return nil, err
	}
	return owner.Downgrade(), nil
}

// RegisterForDiscoveryUpdates implements spec §4.9's
// registerForDiscoveryUpdates: returns already-known matches and stores
// the subscription so future DiscoveryMessages matching criteria are
// posted to notify. ownerAddr, if non-zero, associates the subscription
// with a registered mailbox so Deregister of that address also cleans it
// up (spec §4.9 deregister protocol "remove any pending discovery-update
// subscription owned by this handle").
func (s *Service) RegisterForDiscoveryUpdates(ownerAddr message.Address, criteria MatchCriteria, notify *mailbox.Handle) []message.Address {
	id, current := s.discovery.registerForUpdates(criteria, notify)
	if ownerAddr.LocationType != message.Unknown {
		key := addrKey(ownerAddr)
		s.subMu.Lock()
		s.subsByOwner[key] = append(s.subsByOwner[key], id)
		s.subMu.Unlock()
	}
	return current
}

func (s *Service) removeOwnedSubscriptions(ownerKey string) {
	s.subMu.Lock()
	ids := s.subsByOwner[ownerKey]
	delete(s.subsByOwner, ownerKey)
	s.subMu.Unlock()

	for _, id := range ids {
		s.discovery.removeSubscription(id)
	}
}

var _ mailbox.Registrar = (*Service)(nil)

// RegistrationInfo is a point-in-time snapshot entry for one registered
// mailbox, used by the control plane's per-mailbox health reporting
// (SPEC_FULL §4.10).
type RegistrationInfo struct {
	Address message.Address
	Active  bool
}

// Snapshot lists every mailbox currently held in the local or proxy
// registry (spec §4.9 "States of a mailbox as seen by MLS").
func (s *Service) Snapshot() []RegistrationInfo {
	var out []RegistrationInfo

	s.localMu.Lock()
	for _, mbx := range s.local {
		out = append(out, RegistrationInfo{Address: mbx.Address(), Active: mbx.IsActive()})
	}
	s.localMu.Unlock()

	s.proxyMu.Lock()
	for _, mbx := range s.proxy {
		out = append(out, RegistrationInfo{Address: mbx.Address(), Active: mbx.IsActive()})
	}
	s.proxyMu.Unlock()

	return out
}

// Shutdown deactivates every mailbox still registered — local and proxy —
// and tears down the discovery bridge transport if one was attached. Each
// mailbox's own Deactivate call re-enters Deregister, so Shutdown snapshots
// first and never holds a registry mutex while deactivating.
func (s *Service) Shutdown() {
	for _, info := range s.Snapshot() {
		if !info.Active {
			continue
		}
		var mbx mailbox.Mailbox
		key := addrKey(info.Address)
		s.localMu.Lock()
		mbx = s.local[key]
		s.localMu.Unlock()
		if mbx == nil {
			s.proxyMu.Lock()
			mbx = s.proxy[key]
			s.proxyMu.Unlock()
		}
		if mbx != nil {
			_ = mbx.Deactivate(nil)
		}
	}
	s.discovery.shutdownTransport()
}

// ParseEndpoint parses a "host:port" string into a message.Endpoint,
// grounded on net.ResolveUDPAddr's own host:port split (SPEC_FULL §6
// MLSConfig.GroupAddress is carried as this plain string form).
func ParseEndpoint(hostport string) (message.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return message.Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return message.Endpoint{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return message.Endpoint{}, fmt.Errorf("mls: invalid discovery group host %q", host)
	}
	return message.Endpoint{IP: ip, Port: uint16(port)}, nil
}
