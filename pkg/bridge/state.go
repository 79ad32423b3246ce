package bridge

import "fmt"

// State is a session's connection state.
type State string

const (
	StateCreated       State = "CREATED"
	StateInitializing  State = "INITIALIZING"
	StateQRPending     State = "QR_PENDING"
	StateAuthenticated State = "AUTHENTICATED"
	StateReady         State = "READY"
	StateDisconnected  State = "DISCONNECTED"
	StateError         State = "ERROR"
	StateDestroyed     State = "DESTROYED"
)

// Trigger drives a state transition.
type Trigger string

const (
	TriggerInitialize           Trigger = "initialize"
	TriggerPairingChallenge     Trigger = "pairing_challenge_issued"
	TriggerCredentialsReused    Trigger = "credentials_reused"
	TriggerCredentialsConfirmed Trigger = "credentials_confirmed"
	TriggerHandshakeComplete    Trigger = "handshake_complete"
	TriggerAuthFailure          Trigger = "auth_failure"
	TriggerTransportLost        Trigger = "transport_lost"
	TriggerDestroy              Trigger = "destroy"
)

type edge struct {
	from    State
	trigger Trigger
}

var transitions = map[edge]State{
	{StateCreated, TriggerInitialize}:              StateInitializing,
	{StateInitializing, TriggerPairingChallenge}:   StateQRPending,
	{StateInitializing, TriggerCredentialsReused}:  StateAuthenticated,
	{StateQRPending, TriggerCredentialsConfirmed}:  StateAuthenticated,
	{StateAuthenticated, TriggerHandshakeComplete}: StateReady,
	{StateInitializing, TriggerAuthFailure}:        StateError,
	{StateQRPending, TriggerAuthFailure}:           StateError,
	{StateAuthenticated, TriggerAuthFailure}:       StateError,
	{StateReady, TriggerAuthFailure}:               StateError,
	{StateReady, TriggerTransportLost}:             StateDisconnected,
	{StateError, TriggerDestroy}:                   StateDestroyed,
	{StateDisconnected, TriggerDestroy}:            StateDestroyed,
	{StateReady, TriggerDestroy}:                   StateDestroyed,
}

// Next returns the state reached from `from` on trigger.
func Next(from State, trigger Trigger) (State, error) {
	to, ok := transitions[edge{from, trigger}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, trigger)
	}
	return to, nil
}

// destroyPath lists the transitions that take a session from its current
// state to DESTROYED. States without a direct destroy edge fail first.
func destroyPath(from State) []Trigger {
	switch from {
	case StateDestroyed:
		return nil
	case StateCreated:
		return []Trigger{TriggerInitialize, TriggerAuthFailure, TriggerDestroy}
	case StateInitializing, StateQRPending, StateAuthenticated:
		return []Trigger{TriggerAuthFailure, TriggerDestroy}
	default:
		return []Trigger{TriggerDestroy}
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDestroyed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateInitializing, StateQRPending, StateAuthenticated,
		StateReady, StateDisconnected, StateError, StateDestroyed:
		return true
	}
	return false
}
