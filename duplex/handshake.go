package duplex

import (
	"fmt"

	"github.com/BaSui01/routeclient/types"
)

// Stage is the client side of the handshake.
type Stage int32

const (
	StageAwaitingHeaderRequest Stage = iota
	StageHeaderSent
	StageAwaitingReady
	StageReady
	StageClosed
)

func (s Stage) String() string {
	switch s {
	case StageAwaitingHeaderRequest:
		return "awaiting-header-request"
	case StageHeaderSent:
		return "header-sent"
	case StageAwaitingReady:
		return "awaiting-ready"
	case StageReady:
		return "ready"
	case StageClosed:
		return "closed"
	default:
		return fmt.Sprintf("stage(%d)", int32(s))
	}
}

// step is one row of the handshake table: what to answer and where to go.
type step struct {
	reply FrameType
	next  Stage
}

// handshakeTable is the complete client handshake. A frame with no row for
// the current stage is a protocol violation. Peers that skip the readiness
// exchange may answer the header with complete directly.
var handshakeTable = map[Stage]map[FrameType]step{
	StageAwaitingHeaderRequest: {
		FrameNeedHeader: {reply: FrameHeader, next: StageHeaderSent},
	},
	StageHeaderSent: {
		FrameServerReady: {reply: FrameClientReady, next: StageAwaitingReady},
		FrameComplete:    {next: StageReady},
	},
	StageAwaitingReady: {
		FrameComplete: {next: StageReady},
	},
}

// advance looks up the transition for an inbound frame.
func advance(stage Stage, in FrameType) (step, error) {
	row, ok := handshakeTable[stage]
	if !ok {
		return step{}, types.NewProtocolError("no handshake in stage %s", stage)
	}
	st, ok := row[in]
	if !ok {
		return step{}, types.NewProtocolError("unexpected %q frame during handshake stage %s", in, stage)
	}
	return st, nil
}
