package types

import (
	"encoding/json"
	"fmt"
)

// type of replicated state machine command
type CommandType uint

const (
	CommandTypeAllocateTimestamps CommandType = iota + 1
	CommandTypeFastForward
	CommandTypeRegisterLeadership
)

// interface all replicated commands implement
type Command interface {
	Type() CommandType
}

// allocates a contiguous timestamp range for a namespace
// Epoch is the leadership epoch of the proposing node; the state machine
// rejects the command if a newer epoch has been registered since
type AllocateTimestampsCmd struct {
	Namespace string `json:"namespace"`
	Count     int64  `json:"count"`
	Epoch     uint64 `json:"epoch"`
}

func (c AllocateTimestampsCmd) Type() CommandType { return CommandTypeAllocateTimestamps }

// raises a namespace bound to at least Target, never lowering it
type FastForwardCmd struct {
	Namespace string `json:"namespace"`
	Target    int64  `json:"target"`
	Epoch     uint64 `json:"epoch"`
}

func (c FastForwardCmd) Type() CommandType { return CommandTypeFastForward }

// proposed by a node once it wins the raft election; commits a new,
// strictly greater leadership epoch along with the winner's address
type RegisterLeadershipCmd struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

func (c RegisterLeadershipCmd) Type() CommandType { return CommandTypeRegisterLeadership }

// wire envelope for commands in the raft log
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serializes a command for the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload: %w", err)
	}
	return json.Marshal(commandEnvelope{Type: cmd.Type(), Payload: payload})
}

// deserializes a command from the raft log
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal command envelope: %w", err)
	}

	switch env.Type {
	case CommandTypeAllocateTimestamps:
		var cmd AllocateTimestampsCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandTypeFastForward:
		var cmd FastForwardCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandTypeRegisterLeadership:
		var cmd RegisterLeadershipCmd
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.Type)
	}
}
