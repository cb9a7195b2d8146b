// Package grpcapi exposes the broadcast hub as the streaming RPC service hub.v1.BroadcastHub.
//
// Messages are plain Go structs encoded with a JSON codec, so the service descriptor is written by
// hand instead of being generated from a proto file.
package grpcapi

import (
	"encoding/json"
	"fmt"

	"github.com/goran-ethernal/MultiChainIndexor/pkg/chain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the fully qualified name of the streaming service.
	ServiceName = "hub.v1.BroadcastHub"

	listBlocksMethod = "/" + ServiceName + "/ListBlocks"

	// codecName is the content subtype negotiated by clients of this package.
	codecName = "json"

	// subscriptionHeader carries the server side subscription id.
	subscriptionHeader = "x-subscription-id"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ListBlocksRequest opens a stream of envelopes for one chain type.
type ListBlocksRequest struct {
	ChainType        chain.ChainType `json:"chain_type"`
	StartBlockNumber uint64          `json:"start_block_number"`
	// EndBlockNumber is the last streamed block; 0 follows the live chain
	EndBlockNumber uint64 `json:"end_block_number,omitempty"`
	Network        string `json:"network,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return codecName
}

// BroadcastHubServer is the server API of hub.v1.BroadcastHub.
type BroadcastHubServer interface {
	ListBlocks(req *ListBlocksRequest, stream grpc.ServerStreamingServer[chain.RawEnvelope]) error
}

// RegisterBroadcastHubServer registers srv on s.
func RegisterBroadcastHubServer(s grpc.ServiceRegistrar, srv BroadcastHubServer) {
	s.RegisterService(&serviceDesc, srv)
}

func listBlocksHandler(srv any, stream grpc.ServerStream) error {
	req := new(ListBlocksRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	return srv.(BroadcastHubServer).ListBlocks(req,
		&grpc.GenericServerStream[ListBlocksRequest, chain.RawEnvelope]{ServerStream: stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BroadcastHubServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ListBlocks",
			Handler:       listBlocksHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hub/v1/hub.proto",
}
