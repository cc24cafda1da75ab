package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/otterscale/kube-explorer/internal/core"
)

func newExplorerServer(t *testing.T, f *explorerFixture) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(f.service.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func callStruct(t *testing.T, srv *httptest.Server, procedure string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(in)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+procedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func callEmptyIn(t *testing.T, srv *httptest.Server, procedure string) *structpb.Struct {
	t.Helper()
	client := connect.NewClient[emptypb.Empty, structpb.Struct](srv.Client(), srv.URL+procedure)
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		t.Fatalf("%s: %v", procedure, err)
	}
	return resp.Msg
}

func callEmptyOut(t *testing.T, srv *httptest.Server, procedure string, in map[string]any) error {
	t.Helper()
	msg, err := structpb.NewStruct(in)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	client := connect.NewClient[structpb.Struct, emptypb.Empty](srv.Client(), srv.URL+procedure)
	_, err = client.CallUnary(context.Background(), connect.NewRequest(msg))
	return err
}

func decode(t *testing.T, msg proto.Message, v any) {
	t.Helper()
	data, err := protojson.Marshal(msg)
	if err != nil {
		t.Fatalf("protojson.Marshal: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("code = %v, want %v (%v)", got, code, err)
	}
}

type graphSnapshot struct {
	Objects     []core.ObjectView  `json:"objects"`
	Highlighted []core.ObjectIdent `json:"highlighted"`
}

var podWatch = map[string]any{
	"context":  "kind-dev",
	"kind":     "resource",
	"resource": map[string]any{"groupVersion": "v1", "kind": "Pod"},
	"selector": map[string]any{"namespace": "default"},
}

func TestExplorerListContextsAndResources(t *testing.T) {
	srv := newExplorerServer(t, newExplorerFixture())

	var contexts struct {
		Contexts []core.KubeContext `json:"contexts"`
	}
	decode(t, callEmptyIn(t, srv, ExplorerServiceListContextsProcedure), &contexts)
	if len(contexts.Contexts) != 1 || contexts.Contexts[0].Name != "kind-dev" {
		t.Fatalf("contexts = %+v", contexts.Contexts)
	}

	msg, err := callStruct(t, srv, ExplorerServiceListResourcesProcedure, map[string]any{"context": "kind-dev"})
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	var resources struct {
		ResourceGroups []core.ResourceGroup `json:"resourceGroups"`
	}
	decode(t, msg, &resources)
	if len(resources.ResourceGroups) != 2 {
		t.Errorf("got %d resource groups, want 2", len(resources.ResourceGroups))
	}

	_, err = callStruct(t, srv, ExplorerServiceListResourcesProcedure, map[string]any{"context": "nope"})
	wantCode(t, err, connect.CodeNotFound)
}

func TestExplorerWatchLifecycle(t *testing.T) {
	f := newExplorerFixture()
	srv := newExplorerServer(t, f)

	msg, err := callStruct(t, srv, ExplorerServiceAddWatchProcedure, podWatch)
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	var added core.Watch
	decode(t, msg, &added)
	if added.ID != "kind-dev/v1/Pod" || added.Kind != core.WatchKindResource {
		t.Fatalf("added = %+v", added)
	}
	if f.stream.active() != 1 {
		t.Errorf("%d subscriptions, want 1", f.stream.active())
	}

	var watches struct {
		Watches []core.Watch `json:"watches"`
	}
	decode(t, callEmptyIn(t, srv, ExplorerServiceListWatchesProcedure), &watches)
	if len(watches.Watches) != 1 {
		t.Fatalf("got %d watches, want 1", len(watches.Watches))
	}

	msg, err = callStruct(t, srv, ExplorerServiceListObjectsProcedure, map[string]any{
		"context": "kind-dev", "groupVersion": "v1", "kind": "Pod",
	})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	var objects struct {
		Objects []core.ObjectView `json:"objects"`
	}
	decode(t, msg, &objects)
	if len(objects.Objects) != 2 {
		t.Fatalf("got %d objects, want 2", len(objects.Objects))
	}

	if err := callEmptyOut(t, srv, ExplorerServiceHighlightWatchProcedure, map[string]any{"id": added.ID}); err != nil {
		t.Fatalf("HighlightWatch: %v", err)
	}
	var graph graphSnapshot
	decode(t, callEmptyIn(t, srv, ExplorerServiceGetGraphProcedure), &graph)
	if len(graph.Objects) != 2 || len(graph.Highlighted) != 2 {
		t.Fatalf("graph has %d objects and %d highlighted, want 2 and 2", len(graph.Objects), len(graph.Highlighted))
	}

	client := connect.NewClient[emptypb.Empty, emptypb.Empty](srv.Client(), srv.URL+ExplorerServiceUnhighlightWatchProcedure)
	if _, err := client.CallUnary(context.Background(), connect.NewRequest(&emptypb.Empty{})); err != nil {
		t.Fatalf("UnhighlightWatch: %v", err)
	}

	if err := callEmptyOut(t, srv, ExplorerServiceRemoveWatchProcedure, map[string]any{"id": added.ID}); err != nil {
		t.Fatalf("RemoveWatch: %v", err)
	}
	if f.stream.active() != 0 {
		t.Errorf("%d subscriptions left after RemoveWatch", f.stream.active())
	}
	decode(t, callEmptyIn(t, srv, ExplorerServiceGetGraphProcedure), &graph)
	if len(graph.Objects) != 0 || len(graph.Highlighted) != 0 {
		t.Errorf("graph not empty after RemoveWatch: %+v", graph)
	}
}

func TestExplorerAddWatchErrors(t *testing.T) {
	srv := newExplorerServer(t, newExplorerFixture())

	tests := []struct {
		name string
		in   map[string]any
		code connect.Code
	}{
		{
			name: "unknown context",
			in:   map[string]any{"context": "nope", "kind": "resource", "resource": map[string]any{"groupVersion": "v1", "kind": "Pod"}},
			code: connect.CodeNotFound,
		},
		{
			name: "unknown kind",
			in:   map[string]any{"context": "kind-dev", "kind": "resource", "resource": map[string]any{"groupVersion": "v1", "kind": "Widget"}},
			code: connect.CodeNotFound,
		},
		{
			name: "missing resource",
			in:   map[string]any{"context": "kind-dev", "kind": "resource"},
			code: connect.CodeInvalidArgument,
		},
		{
			name: "unknown field",
			in:   map[string]any{"context": "kind-dev", "bogus": true},
			code: connect.CodeInvalidArgument,
		},
		{
			name: "empty context",
			in:   map[string]any{"kind": "resource"},
			code: connect.CodeInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := callStruct(t, srv, ExplorerServiceAddWatchProcedure, tt.in)
			wantCode(t, err, tt.code)
		})
	}

	wantCode(t, callEmptyOut(t, srv, ExplorerServiceRemoveWatchProcedure, map[string]any{"id": "missing"}), connect.CodeNotFound)
	wantCode(t, callEmptyOut(t, srv, ExplorerServiceHighlightWatchProcedure, map[string]any{"id": "missing"}), connect.CodeNotFound)
}

func TestExplorerRelatedWatch(t *testing.T) {
	f := newExplorerFixture()
	srv := newExplorerServer(t, f)

	msg, err := callStruct(t, srv, ExplorerServiceAddWatchProcedure, map[string]any{
		"context": "kind-dev",
		"kind":    "related",
		"target":  map[string]any{"groupVersion": "apps/v1", "kind": "Deployment", "namespace": "default", "name": "web"},
	})
	if err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	var added core.Watch
	decode(t, msg, &added)
	if added.Target == nil || added.Target.Ident != "cluster-1/apps/v1/Deployment/default/web" {
		t.Errorf("target = %+v", added.Target)
	}
}

func TestExplorerUpdateAndDeleteObject(t *testing.T) {
	f := newExplorerFixture()
	srv := newExplorerServer(t, f)

	if _, err := callStruct(t, srv, ExplorerServiceAddWatchProcedure, podWatch); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}
	ident := core.NewObjectIdent("cluster-1", testPods, "default", "web-0")

	manifest := "apiVersion: v1\nkind: Pod\nmetadata:\n  name: web-0\n  namespace: default\n  labels:\n    app: web\n"
	msg, err := callStruct(t, srv, ExplorerServiceUpdateObjectProcedure, map[string]any{
		"context": "kind-dev", "ident": string(ident), "manifest": manifest,
	})
	if err != nil {
		t.Fatalf("UpdateObject: %v", err)
	}
	var view core.ObjectView
	decode(t, msg, &view)
	if view.Ident != ident || view.Rev < 2 {
		t.Errorf("updated view = %+v", view)
	}
	if len(f.repo.updates) != 1 {
		t.Errorf("got %d updates, want 1", len(f.repo.updates))
	}

	_, err = callStruct(t, srv, ExplorerServiceUpdateObjectProcedure, map[string]any{
		"context": "kind-dev", "ident": string(ident), "manifest": "apiVersion: v1\nkind: Pod\nmetadata:\n  name: other\n",
	})
	wantCode(t, err, connect.CodeInvalidArgument)

	if err := callEmptyOut(t, srv, ExplorerServiceDeleteObjectProcedure, map[string]any{"ident": string(ident)}); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if len(f.repo.deletes) != 1 || f.repo.deletes[0] != "kind-dev:default/web-0" {
		t.Errorf("deletes = %v", f.repo.deletes)
	}

	wantCode(t, callEmptyOut(t, srv, ExplorerServiceDeleteObjectProcedure, map[string]any{"ident": "cluster-1/v1/Pod/default/ghost"}), connect.CodeNotFound)
}

func TestExplorerWatchGraph(t *testing.T) {
	f := newExplorerFixture()
	srv := newExplorerServer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := connect.NewClient[emptypb.Empty, structpb.Struct](srv.Client(), srv.URL+ExplorerServiceWatchGraphProcedure)
	stream, err := client.CallServerStream(ctx, connect.NewRequest(&emptypb.Empty{}))
	if err != nil {
		t.Fatalf("WatchGraph: %v", err)
	}
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("no initial snapshot: %v", stream.Err())
	}
	var graph graphSnapshot
	decode(t, stream.Msg(), &graph)
	if len(graph.Objects) != 0 {
		t.Fatalf("initial snapshot has %d objects, want 0", len(graph.Objects))
	}

	if _, err := callStruct(t, srv, ExplorerServiceAddWatchProcedure, podWatch); err != nil {
		t.Fatalf("AddWatch: %v", err)
	}

	for stream.Receive() {
		decode(t, stream.Msg(), &graph)
		if len(graph.Objects) == 2 {
			return
		}
	}
	t.Fatalf("graph never reached 2 objects: %v", stream.Err())
}

func TestStructRoundTrip(t *testing.T) {
	msg, err := toStruct(map[string]any{"id": "w", "n": 3})
	if err != nil {
		t.Fatalf("toStruct: %v", err)
	}
	var in watchRequest
	err = fromStruct(msg, &in)
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodeInvalidArgument {
		t.Fatalf("unknown field must be rejected, got %v", err)
	}

	msg, _ = toStruct(map[string]any{"id": "w"})
	if err := fromStruct(msg, &in); err != nil || in.ID != "w" {
		t.Errorf("fromStruct = %+v, %v", in, err)
	}
}
