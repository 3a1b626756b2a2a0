package bridge

import (
	"errors"

	"github.com/nerrad567/mqttbridge/internal/arrival"
	"github.com/nerrad567/mqttbridge/internal/correlator"
	"github.com/nerrad567/mqttbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttbridge/internal/outbox"
	"github.com/nerrad567/mqttbridge/internal/reconnect"
)

// Errors surfaced by the bridge. Several are the component sentinels
// re-exported so callers need to import only this package.
var (
	ErrOperationNotFound = correlator.ErrOperationNotFound
	ErrTimeout           = correlator.ErrTimeout
	ErrConnectionClosed  = correlator.ErrConnectionClosed
	ErrStorageFailure    = arrival.ErrStorageFailure
	ErrCapacityExceeded  = outbox.ErrCapacityExceeded
	ErrUnknownConnection = reconnect.ErrUnknownConnection
	ErrInvalidTopic      = mqtt.ErrInvalidTopic
	ErrInvalidQoS        = mqtt.ErrInvalidQoS

	// ErrNotConnected is returned for operations that need a live
	// connection, and for publishes while buffering is disabled.
	ErrNotConnected = errors.New("connection not connected")

	// ErrPayloadTooLarge is returned by Publish for a payload the engine
	// would refuse, before it is dispatched or buffered.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrConnectInProgress is returned by Connect while an attempt for the
	// same connection is outstanding.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrBufferedMessageDeleted fails the publish of a buffered message
	// removed with DeleteBufferedMessage.
	ErrBufferedMessageDeleted = errors.New("buffered message deleted")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("bridge closed")
)
