// Package remote carries the MerkleStore capability set over gRPC. The
// service uses a JSON codec and hand-written service descriptors, so no
// protobuf toolchain is involved; []byte fields ride as base64.
package remote

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/verifiabledb/v2fs/internal/mht"
	"github.com/verifiabledb/v2fs/internal/store"
)

const serviceName = "v2fs.MerkleStore"

// jsonCodec is the gRPC codec used on both sides.
type jsonCodec struct{}

func (jsonCodec) Name() string                    { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ───────────────────────────────────────────────────────────────────────────
// Wire messages
// ───────────────────────────────────────────────────────────────────────────

type fetchRequest struct {
	Version uint64   `json:"version"`
	IDs     []uint32 `json:"ids"`
	Sketch  []byte   `json:"sketch,omitempty"`
}

type fetchResponse struct {
	Pages   [][]byte `json:"pages"`
	Proof   []byte   `json:"proof"`
	Version uint64   `json:"version"`
	Error   string   `json:"error,omitempty"`
}

type rootRequest struct{}

type rootResponse struct {
	Version  uint64 `json:"version"`
	Root     []byte `json:"root"`
	Pages    uint64 `json:"pages"`
	PageSize int    `json:"page_size"`
	Error    string `json:"error,omitempty"`
}

type vbfRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

type vbfResponse struct {
	Blob  []byte `json:"blob"`
	Error string `json:"error,omitempty"`
}

// ───────────────────────────────────────────────────────────────────────────
// Server
// ───────────────────────────────────────────────────────────────────────────

// Server exposes a local MerkleStore over gRPC.
type Server struct {
	store store.MerkleStore
}

// NewServer wraps a store for serving.
func NewServer(st store.MerkleStore) *Server {
	return &Server{store: st}
}

// Register attaches the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) fetchPages(ctx context.Context, req *fetchRequest) (*fetchResponse, error) {
	ids := make([]mht.PageID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = mht.PageID(id)
	}
	res, err := s.store.FetchPages(ctx, req.Version, ids, req.Sketch)
	if err != nil {
		return &fetchResponse{Error: err.Error()}, nil
	}
	return &fetchResponse{Pages: res.Pages, Proof: res.Proof, Version: res.Version}, nil
}

func (s *Server) getRoot(ctx context.Context, _ *rootRequest) (*rootResponse, error) {
	info, err := s.store.GetRoot(ctx)
	if err != nil {
		return &rootResponse{Error: err.Error()}, nil
	}
	return &rootResponse{
		Version:  info.Version,
		Root:     info.Root[:],
		Pages:    info.Pages,
		PageSize: info.PageSize,
	}, nil
}

func (s *Server) getVBFDelta(ctx context.Context, req *vbfRequest) (*vbfResponse, error) {
	blob, err := s.store.GetVBFDelta(ctx, req.From, req.To)
	if err != nil {
		return &vbfResponse{Error: err.Error()}, nil
	}
	return &vbfResponse{Blob: blob}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Service descriptor (manual, no protobuf)
// ───────────────────────────────────────────────────────────────────────────

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchPages", Handler: _FetchPages_Handler},
		{MethodName: "GetRoot", Handler: _GetRoot_Handler},
		{MethodName: "GetVBFDelta", Handler: _GetVBFDelta_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "v2fs",
}

func _FetchPages_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(fetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).fetchPages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchPages"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).fetchPages(ctx, req.(*fetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _GetRoot_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rootRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getRoot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRoot"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).getRoot(ctx, req.(*rootRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _GetVBFDelta_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(vbfRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getVBFDelta(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetVBFDelta"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).getVBFDelta(ctx, req.(*vbfRequest))
	}
	return interceptor(ctx, in, info, handler)
}
