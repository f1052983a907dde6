package allocator

import (
	"testing"

	pb "agones.dev/agones/pkg/allocation/go"
	allocationv1 "agones.dev/agones/pkg/apis/allocation/v1"
	agonesv1 "agones.dev/agones/pkg/apis/agones/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestResolveAddressFallback(t *testing.T) {
	tests := []struct {
		name    string
		tagged  []taggedAddress
		generic string
		want    string
	}{
		{
			name: "external ip preferred",
			tagged: []taggedAddress{
				{Type: "InternalIP", Address: "10.0.0.1"},
				{Type: "ExternalDNS", Address: "node.example.com"},
				{Type: "ExternalIP", Address: "203.0.113.7"},
			},
			generic: "10.0.0.1",
			want:    "203.0.113.7",
		},
		{
			name: "external dns when no external ip",
			tagged: []taggedAddress{
				{Type: "InternalIP", Address: "10.0.0.1"},
				{Type: "ExternalDNS", Address: "node.example.com"},
			},
			generic: "10.0.0.1",
			want:    "node.example.com",
		},
		{
			name:    "generic address as last resort",
			tagged:  []taggedAddress{{Type: "InternalIP", Address: "10.0.0.1"}},
			generic: "198.51.100.4",
			want:    "198.51.100.4",
		},
		{
			name:    "nothing resolvable",
			tagged:  nil,
			generic: "",
			want:    "",
		},
		{
			name: "empty external ip entries are skipped",
			tagged: []taggedAddress{
				{Type: "ExternalIP", Address: ""},
				{Type: "ExternalDNS", Address: "node.example.com"},
			},
			generic: "",
			want:    "node.example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveAddress(tt.tagged, tt.generic))
		})
	}
}

func TestParseGRPCResponse(t *testing.T) {
	resp := &pb.AllocationResponse{
		GameServerName: "game-fleet-abc12",
		Address:        "10.0.0.1",
		Addresses: []*pb.AllocationResponse_GameServerStatusAddress{
			{Type: "InternalIP", Address: "10.0.0.1"},
			{Type: "ExternalIP", Address: "203.0.113.7"},
		},
		Ports: []*pb.AllocationResponse_GameServerStatusPort{
			{Name: "default", Port: 7777},
		},
	}

	gs, err := parseGRPCResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "game-fleet-abc12", gs.Name)
	assert.Equal(t, "203.0.113.7", gs.Address)
	assert.EqualValues(t, 7777, gs.Port)
}

func TestParseGRPCResponseMissingFields(t *testing.T) {
	tests := []struct {
		name string
		resp *pb.AllocationResponse
	}{
		{"no address", &pb.AllocationResponse{
			GameServerName: "gs",
			Ports:          []*pb.AllocationResponse_GameServerStatusPort{{Port: 7777}},
		}},
		{"no port", &pb.AllocationResponse{
			GameServerName: "gs",
			Address:        "203.0.113.7",
		}},
		{"no name", &pb.AllocationResponse{
			Address: "203.0.113.7",
			Ports:   []*pb.AllocationResponse_GameServerStatusPort{{Port: 7777}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseGRPCResponse(tt.resp)
			assert.ErrorIs(t, err, ErrBadResponse, "a success response with unusable fields is a protocol error, not capacity exhaustion")
		})
	}
}

func TestParseAllocationStatus(t *testing.T) {
	st := &allocationv1.GameServerAllocationStatus{
		State:          allocationv1.GameServerAllocationAllocated,
		GameServerName: "game-fleet-xyz99",
		Address:        "10.0.0.2",
		Addresses: []corev1.NodeAddress{
			{Type: corev1.NodeInternalIP, Address: "10.0.0.2"},
			{Type: corev1.NodeExternalDNS, Address: "node-2.example.com"},
		},
		Ports: []agonesv1.GameServerStatusPort{{Name: "default", Port: 7777}},
	}

	gs, err := parseAllocationStatus(st)
	require.NoError(t, err)
	assert.Equal(t, "game-fleet-xyz99", gs.Name)
	assert.Equal(t, "node-2.example.com", gs.Address)
	assert.EqualValues(t, 7777, gs.Port)
}

func TestRequestAnnotations(t *testing.T) {
	req := Request{
		Fleet:    "game-fleet",
		RoomID:   "room-1",
		UserIDs:  []string{"u1", "u2"},
		BotCount: 3,
	}
	ann := req.annotations()
	assert.Equal(t, "room-1", ann["match.dev/room-id"])
	assert.Equal(t, "u1,u2", ann["match.dev/user-ids"])
	assert.Equal(t, "3", ann["match.dev/bot-count"])
}
