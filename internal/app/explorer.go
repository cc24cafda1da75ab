package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/otterscale/kube-explorer/internal/core"
)

// ExplorerService implements the explorer API on top of the object
// cache, the watch multiplexer and the graph store. Requests and
// responses are JSON documents carried as protobuf Structs.
type ExplorerService struct {
	cache   *core.ObjectCache
	watches *core.WatchUseCase
	graph   *core.GraphStore
	log     *slog.Logger
}

// NewExplorerService returns an ExplorerService backed by the given
// use-cases.
func NewExplorerService(cache *core.ObjectCache, watches *core.WatchUseCase, graph *core.GraphStore) *ExplorerService {
	return &ExplorerService{
		cache:   cache,
		watches: watches,
		graph:   graph,
		log:     slog.Default().With("component", "explorer-service"),
	}
}

// Handler builds the HTTP handler serving every explorer procedure.
// It returns the path prefix to mount it under, like generated
// connect handlers do.
func (s *ExplorerService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()

	schema := func(method string, idempotent bool) []connect.HandlerOption {
		out := append([]connect.HandlerOption{connect.WithSchema(explorerMethod(method))}, opts...)
		if idempotent {
			out = append(out, connect.WithIdempotency(connect.IdempotencyNoSideEffects))
		}
		return out
	}

	mux.Handle(ExplorerServiceListContextsProcedure, connect.NewUnaryHandler(
		ExplorerServiceListContextsProcedure, s.ListContexts, schema("ListContexts", true)...))
	mux.Handle(ExplorerServiceListResourcesProcedure, connect.NewUnaryHandler(
		ExplorerServiceListResourcesProcedure, s.ListResources, schema("ListResources", true)...))
	mux.Handle(ExplorerServiceListObjectsProcedure, connect.NewUnaryHandler(
		ExplorerServiceListObjectsProcedure, s.ListObjects, schema("ListObjects", true)...))
	mux.Handle(ExplorerServiceListWatchesProcedure, connect.NewUnaryHandler(
		ExplorerServiceListWatchesProcedure, s.ListWatches, schema("ListWatches", true)...))
	mux.Handle(ExplorerServiceAddWatchProcedure, connect.NewUnaryHandler(
		ExplorerServiceAddWatchProcedure, s.AddWatch, schema("AddWatch", false)...))
	mux.Handle(ExplorerServiceRemoveWatchProcedure, connect.NewUnaryHandler(
		ExplorerServiceRemoveWatchProcedure, s.RemoveWatch, schema("RemoveWatch", false)...))
	mux.Handle(ExplorerServiceHighlightWatchProcedure, connect.NewUnaryHandler(
		ExplorerServiceHighlightWatchProcedure, s.HighlightWatch, schema("HighlightWatch", false)...))
	mux.Handle(ExplorerServiceUnhighlightWatchProcedure, connect.NewUnaryHandler(
		ExplorerServiceUnhighlightWatchProcedure, s.UnhighlightWatch, schema("UnhighlightWatch", false)...))
	mux.Handle(ExplorerServiceGetGraphProcedure, connect.NewUnaryHandler(
		ExplorerServiceGetGraphProcedure, s.GetGraph, schema("GetGraph", true)...))
	mux.Handle(ExplorerServiceWatchGraphProcedure, connect.NewServerStreamHandler(
		ExplorerServiceWatchGraphProcedure, s.WatchGraph, schema("WatchGraph", false)...))
	mux.Handle(ExplorerServiceUpdateObjectProcedure, connect.NewUnaryHandler(
		ExplorerServiceUpdateObjectProcedure, s.UpdateObject, schema("UpdateObject", false)...))
	mux.Handle(ExplorerServiceDeleteObjectProcedure, connect.NewUnaryHandler(
		ExplorerServiceDeleteObjectProcedure, s.DeleteObject, schema("DeleteObject", false)...))

	return "/" + ExplorerServiceName + "/", mux
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// objectRef names an object by its kind and name. The identity is
// derived from the context's cluster.
type objectRef struct {
	GroupVersion string `json:"groupVersion"`
	Kind         string `json:"kind"`
	Namespace    string `json:"namespace,omitempty"`
	Name         string `json:"name"`
}

type resourceRef struct {
	GroupVersion string `json:"groupVersion"`
	Kind         string `json:"kind"`
}

type contextRequest struct {
	Context string `json:"context"`
}

type listObjectsRequest struct {
	Context string `json:"context"`
	resourceRef
}

type addWatchRequest struct {
	Context  string         `json:"context"`
	Kind     core.WatchKind `json:"kind"`
	Target   *objectRef     `json:"target,omitempty"`
	Object   *objectRef     `json:"object,omitempty"`
	Resource *resourceRef   `json:"resource,omitempty"`
	Selector *core.Selector `json:"selector,omitempty"`
	Preset   string         `json:"preset,omitempty"`
}

type watchRequest struct {
	ID string `json:"id"`
}

type updateObjectRequest struct {
	Context  string           `json:"context"`
	Ident    core.ObjectIdent `json:"ident"`
	Manifest string           `json:"manifest"`
}

type deleteObjectRequest struct {
	Context string           `json:"context,omitempty"`
	Ident   core.ObjectIdent `json:"ident"`
}

// ---------------------------------------------------------------------------
// Contexts and resources
// ---------------------------------------------------------------------------

// ListContexts returns the configured kube contexts.
func (s *ExplorerService) ListContexts(ctx context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	kctxs, err := s.cache.FetchContexts(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"contexts": kctxs})
}

// ListResources returns the resource groups served by a context's
// cluster.
func (s *ExplorerService) ListResources(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in contextRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	kctx, err := s.context(ctx, in.Context)
	if err != nil {
		return nil, toConnectError(err)
	}
	groups, err := s.cache.FetchResources(ctx, kctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"resourceGroups": groups})
}

// ListObjects returns the objects of one kind that the watches of a
// context currently expose.
func (s *ExplorerService) ListObjects(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in listObjectsRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	kctx, err := s.context(ctx, in.Context)
	if err != nil {
		return nil, toConnectError(err)
	}
	res, err := s.resource(ctx, kctx, in.resourceRef)
	if err != nil {
		return nil, toConnectError(err)
	}
	return respond(map[string]any{"objects": views(s.watches.Objects(kctx, res))})
}

// ---------------------------------------------------------------------------
// Watches
// ---------------------------------------------------------------------------

// ListWatches returns the registered watches, newest first.
func (s *ExplorerService) ListWatches(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	return respond(map[string]any{"watches": s.watches.Watches()})
}

// AddWatch registers a watch and returns it. Adding a watch that
// already exists returns the existing one.
func (s *ExplorerService) AddWatch(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in addWatchRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	kctx, err := s.context(ctx, in.Context)
	if err != nil {
		return nil, toConnectError(err)
	}

	w := core.Watch{
		Kind:     in.Kind,
		Context:  kctx.Name,
		Selector: in.Selector,
		Preset:   in.Preset,
	}
	if in.Target != nil {
		if w.Target, err = s.descriptor(ctx, kctx, *in.Target); err != nil {
			return nil, toConnectError(err)
		}
	}
	if in.Object != nil {
		if w.Object, err = s.descriptor(ctx, kctx, *in.Object); err != nil {
			return nil, toConnectError(err)
		}
	}
	if in.Resource != nil {
		res, err := s.resource(ctx, kctx, *in.Resource)
		if err != nil {
			return nil, toConnectError(err)
		}
		w.Resource = &res
	}

	added, err := s.watches.AddWatch(ctx, w)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.log.Info("watch added", "watch_id", added.ID, "context", added.Context)
	return respond(added)
}

// RemoveWatch unregisters a watch.
func (s *ExplorerService) RemoveWatch(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	var in watchRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	if err := s.watches.RemoveWatch(ctx, in.ID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// HighlightWatch highlights the graph objects contributed by a watch.
func (s *ExplorerService) HighlightWatch(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	var in watchRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	if err := s.watches.HighlightWatch(in.ID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// UnhighlightWatch clears the highlight.
func (s *ExplorerService) UnhighlightWatch(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[emptypb.Empty], error) {
	s.watches.UnhighlightWatch()
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// ---------------------------------------------------------------------------
// Graph
// ---------------------------------------------------------------------------

// GetGraph returns the current graph snapshot.
func (s *ExplorerService) GetGraph(_ context.Context, _ *connect.Request[emptypb.Empty]) (*connect.Response[structpb.Struct], error) {
	msg, err := s.graphSnapshot()
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(msg), nil
}

// WatchGraph sends a snapshot at once and another one after every
// change. Changes arriving while a snapshot is being sent collapse
// into a single follow-up snapshot.
func (s *ExplorerService) WatchGraph(ctx context.Context, _ *connect.Request[emptypb.Empty], stream *connect.ServerStream[structpb.Struct]) error {
	changed := make(chan struct{}, 1)
	remove := s.graph.AddEventListener(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	for {
		msg, err := s.graphSnapshot()
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func (s *ExplorerService) graphSnapshot() (*structpb.Struct, error) {
	highlighted := s.graph.Highlighted()
	idents := make([]core.ObjectIdent, 0, len(highlighted))
	for _, obj := range highlighted {
		idents = append(idents, obj.Ident())
	}
	return toStruct(map[string]any{
		"objects":     views(s.graph.Objects()),
		"highlighted": idents,
	})
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// UpdateObject replaces a cached object with the given manifest and
// returns the updated object.
func (s *ExplorerService) UpdateObject(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in updateObjectRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	kctx, err := s.context(ctx, in.Context)
	if err != nil {
		return nil, toConnectError(err)
	}
	obj, err := s.lookup(in.Ident)
	if err != nil {
		return nil, err
	}
	if err := s.cache.UpdateObject(ctx, kctx, obj, []byte(in.Manifest)); err != nil {
		return nil, toConnectError(err)
	}
	return respond(obj.View())
}

// DeleteObject deletes a cached object. Without a context, the delete
// is attempted through every context of the object's cluster.
func (s *ExplorerService) DeleteObject(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[emptypb.Empty], error) {
	var in deleteObjectRequest
	if err := fromStruct(req.Msg, &in); err != nil {
		return nil, err
	}
	obj, err := s.lookup(in.Ident)
	if err != nil {
		return nil, err
	}

	var kctx *core.KubeContext
	if in.Context != "" {
		found, err := s.context(ctx, in.Context)
		if err != nil {
			return nil, toConnectError(err)
		}
		kctx = &found
	}

	if err := s.cache.DeleteObject(ctx, kctx, obj); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *ExplorerService) context(ctx context.Context, name string) (core.KubeContext, error) {
	if name == "" {
		return core.KubeContext{}, &core.ErrInvalidInput{Field: "context", Message: "must not be empty"}
	}
	if _, err := s.cache.FetchContexts(ctx); err != nil {
		return core.KubeContext{}, err
	}
	return s.cache.Context(name)
}

func (s *ExplorerService) resource(ctx context.Context, kctx core.KubeContext, ref resourceRef) (core.Resource, error) {
	if ref.GroupVersion == "" || ref.Kind == "" {
		return core.Resource{}, &core.ErrInvalidInput{Field: "resource", Message: "groupVersion and kind are required"}
	}
	if _, err := s.cache.FetchResources(ctx, kctx); err != nil {
		return core.Resource{}, err
	}
	res, ok := s.cache.Resource(kctx, ref.GroupVersion, ref.Kind)
	if !ok {
		return core.Resource{}, &core.DomainError{
			Code:    core.ErrorCodeNotFound,
			Message: "resource " + ref.GroupVersion + "/" + ref.Kind + " is not served by " + kctx.Name,
		}
	}
	return res, nil
}

func (s *ExplorerService) descriptor(ctx context.Context, kctx core.KubeContext, ref objectRef) (*core.ObjectDescriptor, error) {
	if ref.Name == "" {
		return nil, &core.ErrInvalidInput{Field: "name", Message: "must not be empty"}
	}
	res, err := s.resource(ctx, kctx, resourceRef{GroupVersion: ref.GroupVersion, Kind: ref.Kind})
	if err != nil {
		return nil, err
	}
	namespace := ref.Namespace
	if !res.Namespaced {
		namespace = ""
	}
	return &core.ObjectDescriptor{
		Ident:     core.NewObjectIdent(kctx.ClusterUID, res, namespace, ref.Name),
		Name:      ref.Name,
		Namespace: namespace,
		Resource:  res,
	}, nil
}

func (s *ExplorerService) lookup(ident core.ObjectIdent) (*core.Object, error) {
	if ident == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, &core.ErrInvalidInput{Field: "ident", Message: "must not be empty"})
	}
	obj, ok := s.cache.Lookup(ident)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, &core.DomainError{
			Code:    core.ErrorCodeNotFound,
			Message: "object " + string(ident) + " is not cached",
		})
	}
	return obj, nil
}

func views(objs []*core.Object) []core.ObjectView {
	out := make([]core.ObjectView, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.View())
	}
	return out
}

func respond(v any) (*connect.Response[structpb.Struct], error) {
	msg, err := toStruct(v)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(msg), nil
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return msg, nil
}

// fromStruct decodes msg into v through its JSON encoding. Unknown
// fields are rejected.
func fromStruct(msg *structpb.Struct, v any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return connect.NewError(connect.CodeInvalidArgument, &core.ErrInvalidInput{Message: err.Error()})
	}
	return nil
}
