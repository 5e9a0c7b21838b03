package stateres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixkeep/roomstate/internal/types"
)

func member(id types.EventID, userID, membership string, ts int64, auth ...types.EventID) *types.Pdu {
	sk := userID
	content, _ := json.Marshal(map[string]string{"membership": membership})
	return &types.Pdu{
		EventID:        id,
		Type:           "m.room.member",
		StateKey:       &sk,
		Content:        content,
		AuthEventIDs:   auth,
		OriginServerTS: ts,
	}
}

func TestV2ResolveKeepsUnconflictedStateUnchanged(t *testing.T) {
	createSK := ""
	create := &types.Pdu{EventID: "$create", Type: "m.room.create", StateKey: &createSK, Content: json.RawMessage(`{}`)}
	pdus := map[types.EventID]*types.Pdu{"$create": create}

	fetch := func(ctx context.Context, id types.EventID) (*types.Pdu, error) {
		if pdu, ok := pdus[id]; ok {
			return pdu, nil
		}
		return nil, assertNotFound{}
	}
	exists := func(ctx context.Context, id types.EventID) bool { _, ok := pdus[id]; return ok }

	forkStates := []types.StateMap{
		{{EventType: "m.room.create", StateKey: ""}: "$create"},
		{{EventType: "m.room.create", StateKey: ""}: "$create"},
	}
	authChains := []map[types.EventID]struct{}{
		{"$create": {}},
		{"$create": {}},
	}

	v2 := V2{}
	resolved, err := v2.Resolve(context.Background(), forkStates, authChains, fetch, exists)
	require.NoError(t, err)
	assert.Equal(t, types.EventID("$create"), resolved[types.StateKeyTuple{EventType: "m.room.create", StateKey: ""}])
}

func TestV2MemberChangeAffectsPowerDetectsJoinLeaveBan(t *testing.T) {
	r := &resolverV2{authEventMap: map[types.EventID]*types.Pdu{
		"$join":  member("$join", "@a:x", "join", 1),
		"$leave": member("$leave", "@a:x", "leave", 2),
		"$inv":   member("$inv", "@a:x", "invite", 3),
		"$ban":   member("$ban", "@a:x", "ban", 4),
	}}
	assert.True(t, r.memberChangeAffectsPower([]types.EventID{"$join"}))
	assert.True(t, r.memberChangeAffectsPower([]types.EventID{"$leave"}))
	assert.True(t, r.memberChangeAffectsPower([]types.EventID{"$ban"}))
	assert.False(t, r.memberChangeAffectsPower([]types.EventID{"$inv"}))
}

func TestV2ReverseTopologicalOrderRespectsAuthEventDependencies(t *testing.T) {
	a := &types.Pdu{EventID: "$a", OriginServerTS: 1}
	b := &types.Pdu{EventID: "$b", OriginServerTS: 2, AuthEventIDs: []types.EventID{"$a"}}
	c := &types.Pdu{EventID: "$c", OriginServerTS: 3, AuthEventIDs: []types.EventID{"$b"}}

	r := &resolverV2{authEventMap: map[types.EventID]*types.Pdu{"$a": a, "$b": b, "$c": c}}
	order := r.reverseTopologicalOrder([]types.EventID{"$c", "$b", "$a"})
	assert.Equal(t, []types.EventID{"$a", "$b", "$c"}, order)
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }
