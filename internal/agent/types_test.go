package agent

import (
	"encoding/json"
	"testing"

	"github.com/blockplane/blockplane/internal/errs"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}

	req := CreateNexusRequest{
		UUID:     "vol-1",
		Size:     10 << 30,
		Children: []string{"bdev:///vol-1", "nvmf://10.0.0.2/vol-1"},
	}
	data, err := codec.Marshal(&req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got CreateNexusRequest
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.UUID != req.UUID || got.Size != req.Size || len(got.Children) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCodecEmptyPayload(t *testing.T) {
	codec := jsonCodec{}

	// An empty frame decodes to the zero value, matching agents that send
	// no body for Null replies.
	var reply ListPoolsReply
	if err := codec.Unmarshal(nil, &reply); err != nil {
		t.Fatalf("Unmarshal(nil): %v", err)
	}
	if len(reply.Pools) != 0 {
		t.Fatalf("expected zero value, got %+v", reply)
	}
}

func TestCodecUnmarshalMalformed(t *testing.T) {
	codec := jsonCodec{}
	var reply ListPoolsReply
	if err := codec.Unmarshal([]byte("{not json"), &reply); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestWireFieldNames(t *testing.T) {
	info := NexusInfo{
		UUID:      "vol-1",
		Size:      1 << 30,
		State:     "online",
		DeviceURI: "nvmf://10.0.0.1/nqn-vol-1",
		Children:  []ChildInfo{{URI: "bdev:///vol-1", State: "online"}},
	}
	data, err := json.Marshal(&info)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"uuid", "size", "state", "deviceUri", "children"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("wire form missing %q: %s", key, data)
		}
	}
}

func TestValidateReports(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{
			name:    "valid pool",
			err:     (&PoolInfo{Name: "p1", State: "online"}).Validate(),
			wantErr: false,
		},
		{
			name:    "pool without name",
			err:     (&PoolInfo{State: "online"}).Validate(),
			wantErr: true,
		},
		{
			name:    "pool without state",
			err:     (&PoolInfo{Name: "p1"}).Validate(),
			wantErr: true,
		},
		{
			name:    "replica without pool",
			err:     (&ReplicaInfo{UUID: "vol-1"}).Validate(),
			wantErr: true,
		},
		{
			name:    "nexus with bare child",
			err:     (&NexusInfo{UUID: "vol-1", State: "online", Children: []ChildInfo{{State: "online"}}}).Validate(),
			wantErr: true,
		},
		{
			name:    "share reply without uri",
			err:     (&ShareReplicaReply{}).Validate(),
			wantErr: true,
		},
		{
			name:    "publish reply without device uri",
			err:     (&PublishNexusReply{}).Validate(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", tt.err, tt.wantErr)
			}
			if tt.err != nil && errs.CodeOf(tt.err) != errs.Internal {
				t.Errorf("validation failures must be Internal, got %v", errs.CodeOf(tt.err))
			}
		})
	}
}
