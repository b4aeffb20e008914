package message

import "time"

// Message is the envelope contract every type routed through the fabric
// implements (spec §3 MessageBase). Concrete message types embed Base for
// the bookkeeping fields and implement Serialize/Deserialize for their own
// body.
type Message interface {
	ID() uint16
	SourceAddress() Address
	SetSourceAddress(Address)
	Priority() uint32
	SetPriority(uint32)
	Version() uint8
	Poolable() bool

	// Serialize appends this message's wire body to buf (messageId and
	// the optional priority tail are framed by the caller — see
	// internal/mailbox — not by Serialize itself).
	Serialize(buf *Buffer) error
	// Deserialize reconstructs the message body from buf.
	Deserialize(buf *Buffer) error

	// Delete returns the message to its pool if Poolable, otherwise is a
	// no-op left to the garbage collector (spec §3 deleteMessage).
	Delete()
}

// Releaser is implemented by a deleter that knows how to return a
// poolable message to its OPM pool — supplied by whatever constructed the
// message, so Base itself stays decoupled from a concrete opm.Manager.
type Releaser interface {
	Release(obj interface{ PoolID() int }) error
}

// Base is embedded by concrete message types for the envelope fields
// spec §3 specifies: messageId, sourceAddress, version, priority,
// poolable.
type Base struct {
	id       uint16
	source   Address
	version  uint8
	priority uint32
	poolable bool
	releaser Releaser
	self     interface{ PoolID() int }
}

// NewBase constructs the envelope fields for a non-pooled message.
func NewBase(id uint16, version uint8) Base {
	return Base{id: id, version: version}
}

// MarkPoolable records that this message was allocated through OPM and
// should be returned there on Delete, rather than left for the GC.
func (b *Base) MarkPoolable(releaser Releaser, self interface{ PoolID() int }) {
	b.poolable = true
	b.releaser = releaser
	b.self = self
}

func (b *Base) ID() uint16                  { return b.id }
func (b *Base) SetID(id uint16)             { b.id = id }
func (b *Base) SourceAddress() Address      { return b.source }
func (b *Base) SetSourceAddress(a Address)  { b.source = a }
func (b *Base) Priority() uint32            { return b.priority }
func (b *Base) SetPriority(p uint32)        { b.priority = p }
func (b *Base) Version() uint8              { return b.version }
func (b *Base) Poolable() bool              { return b.poolable }

// Delete returns the message to OPM if poolable, else is a no-op (spec §3
// deleteMessage contract).
func (b *Base) Delete() {
	if b.poolable && b.releaser != nil && b.self != nil {
		_ = b.releaser.Release(b.self)
	}
}

// TimerMessage is a Message subtype scheduled against a mailbox's reactor;
// on expiry it posts itself into the owning mailbox's local queue (spec §3
// TimerMessage, §4.4 timer handling policy).
type TimerMessage struct {
	Base
	Timeout         time.Duration
	RestartInterval time.Duration
	Reusable        bool

	// TimerID is filled in by scheduleTimer and consulted by
	// cancelTimer/resetTimerInterval.
	TimerID uint64
}

func (t *TimerMessage) Serialize(buf *Buffer) error {
	if err := buf.PutUint64(uint64(t.Timeout)); err != nil {
		return err
	}
	return buf.PutUint64(uint64(t.RestartInterval))
}

func (t *TimerMessage) Deserialize(buf *Buffer) error {
	timeout, err := buf.GetUint64()
	if err != nil {
		return err
	}
	restart, err := buf.GetUint64()
	if err != nil {
		return err
	}
	t.Timeout = time.Duration(timeout)
	t.RestartInterval = time.Duration(restart)
	return nil
}

// Factory reconstructs a typed Message from a wire buffer, keyed by the
// message id already extracted from the frame header. The fabric core
// depends only on this signature — concrete factories (id → constructor
// registries, or an IDL-generated one) are an external collaborator
// (spec §6).
type Factory interface {
	RecreateMessageFromBuffer(id uint16, buf *Buffer) (Message, error)
}

// RegistryFactory is a minimal Factory used by the fabric's own tests and
// examples: a plain map from message id to constructor.
type RegistryFactory struct {
	ctors map[uint16]func() Message
}

func NewRegistryFactory() *RegistryFactory {
	return &RegistryFactory{ctors: make(map[uint16]func() Message)}
}

func (f *RegistryFactory) Register(id uint16, ctor func() Message) {
	f.ctors[id] = ctor
}

func (f *RegistryFactory) RecreateMessageFromBuffer(id uint16, buf *Buffer) (Message, error) {
	ctor, ok := f.ctors[id]
	if !ok {
		return nil, &unknownMessageIDError{id: id}
	}
	msg := ctor()
	if err := msg.Deserialize(buf); err != nil {
		return nil, err
	}
	return msg, nil
}

type unknownMessageIDError struct{ id uint16 }

func (e *unknownMessageIDError) Error() string {
	return "message: no factory registered for message id"
}
