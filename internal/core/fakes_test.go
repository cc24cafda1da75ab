package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
)

var (
	testPods        = Resource{GroupVersion: "v1", Kind: "Pod", Name: "pods", Namespaced: true}
	testReplicaSets = Resource{GroupVersion: "apps/v1", Kind: "ReplicaSet", Name: "replicasets", Namespaced: true}
	testDeployments = Resource{GroupVersion: "apps/v1", Kind: "Deployment", Name: "deployments", Namespaced: true}
	testServices    = Resource{GroupVersion: "v1", Kind: "Service", Name: "services", Namespaced: true}
	testNodes       = Resource{GroupVersion: "v1", Kind: "Node", Name: "nodes"}

	testContext = KubeContext{Name: "kind-dev", User: "admin", Cluster: "kind-dev", ClusterUID: "cluster-1"}
)

// testEpoch is far enough in the past that fixtures are not fresh.
var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newRaw(res Resource, namespace, name, rv string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion(res.GroupVersion)
	u.SetKind(res.Kind)
	u.SetNamespace(namespace)
	u.SetName(name)
	u.SetUID(uidOf(namespace, name))
	u.SetResourceVersion(rv)
	u.SetCreationTimestamp(metav1.NewTime(testEpoch))
	return u
}

func uidOf(namespace, name string) types.UID {
	return types.UID("uid-" + namespace + "-" + name)
}

func withOwner(u *unstructured.Unstructured, owner *unstructured.Unstructured) *unstructured.Unstructured {
	u.SetOwnerReferences(append(u.GetOwnerReferences(), metav1.OwnerReference{
		APIVersion: owner.GetAPIVersion(),
		Kind:       owner.GetKind(),
		Name:       owner.GetName(),
		UID:        owner.GetUID(),
	}))
	return u
}

func manifestOf(u *unstructured.Unstructured) json.RawMessage {
	b, err := u.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return b
}

// fakeContextRepo serves a fixed list of contexts.
type fakeContextRepo struct {
	contexts []KubeContext
	err      error
	calls    int
}

func (f *fakeContextRepo) List(_ context.Context) ([]KubeContext, error) {
	f.calls++
	return f.contexts, f.err
}

// fakeDiscoveryRepo serves a fixed list of resource groups.
type fakeDiscoveryRepo struct {
	groups []ResourceGroup
	err    error
}

func (f *fakeDiscoveryRepo) ResourceGroups(_ context.Context, _ string) ([]ResourceGroup, error) {
	out := make([]ResourceGroup, len(f.groups))
	for i, g := range f.groups {
		out[i] = ResourceGroup{GroupVersion: g.GroupVersion, Resources: append([]Resource(nil), g.Resources...)}
	}
	return out, f.err
}

func groupsOf(resources ...Resource) []ResourceGroup {
	byGV := map[string][]Resource{}
	for _, res := range resources {
		byGV[res.GroupVersion] = append(byGV[res.GroupVersion], res)
	}
	out := []ResourceGroup{}
	for gv, rs := range byGV {
		out = append(out, ResourceGroup{GroupVersion: gv, Resources: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupVersion < out[j].GroupVersion })
	return out
}

// fakeObjectRepo is an in-memory object store keyed by resource.
type fakeObjectRepo struct {
	mu        sync.Mutex
	items     map[string][]*unstructured.Unstructured
	listCalls map[string]int
	listErr   error
	deleteErr map[string]error
	deletes   []string
	updates   int
}

func newFakeObjectRepo() *fakeObjectRepo {
	return &fakeObjectRepo{
		items:     map[string][]*unstructured.Unstructured{},
		listCalls: map[string]int{},
		deleteErr: map[string]error{},
	}
}

func (f *fakeObjectRepo) put(res Resource, objs ...*unstructured.Unstructured) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[res.key()] = append(f.items[res.key()], objs...)
}

func (f *fakeObjectRepo) set(res Resource, objs ...*unstructured.Unstructured) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[res.key()] = objs
}

func (f *fakeObjectRepo) lists(res Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[res.key()]
}

func (f *fakeObjectRepo) List(_ context.Context, _ string, res Resource, sel Selector) ([]unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls[res.key()]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []unstructured.Unstructured
	for _, u := range f.items[res.key()] {
		if sel.Namespace != "" && u.GetNamespace() != sel.Namespace {
			continue
		}
		if sel.Name != "" && u.GetName() != sel.Name {
			continue
		}
		out = append(out, *u.DeepCopy())
	}
	return out, nil
}

func (f *fakeObjectRepo) Get(_ context.Context, _ string, res Resource, namespace, name string) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.items[res.key()] {
		if u.GetNamespace() == namespace && u.GetName() == name {
			return u.DeepCopy(), nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeObjectRepo) Update(_ context.Context, _ string, _ Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	out := obj.DeepCopy()
	out.SetResourceVersion(fmt.Sprintf("updated-%d", f.updates))
	return out, nil
}

func (f *fakeObjectRepo) Delete(_ context.Context, kubeContext string, _ Resource, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, kubeContext+":"+namespace+"/"+name)
	return f.deleteErr[kubeContext]
}

type fakeSubscription struct {
	params  WatchParams
	handler StreamHandler
}

// fakeStream records subscriptions and lets tests push events to them.
type fakeStream struct {
	mu         sync.Mutex
	connects   int
	connectErr error
	next       int
	subs       map[string]fakeSubscription
	cancelled  []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{subs: map[string]fakeSubscription{}}
}

func (f *fakeStream) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeStream) Call(_ context.Context, _ string, _ any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (f *fakeStream) Subscribe(_ string, params any, handler StreamHandler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("sub-%d", f.next)
	f.subs[id] = fakeSubscription{params: params.(WatchParams), handler: handler}
	return id, nil
}

func (f *fakeStream) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeStream) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// push delivers an event to every subscription on res's plural name.
func (f *fakeStream) push(res Resource, typ WatchEventType, u *unstructured.Unstructured) {
	f.mu.Lock()
	var handlers []StreamHandler
	for _, sub := range f.subs {
		if sub.params.Resource == res.Name {
			handlers = append(handlers, sub.handler)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(StreamEvent{Type: typ, Manifest: manifestOf(u)})
	}
}

// fakeWatchRepo keeps watches in memory.
type fakeWatchRepo struct {
	mu      sync.Mutex
	watches map[string]Watch
	saveErr error
}

func newFakeWatchRepo(ws ...Watch) *fakeWatchRepo {
	r := &fakeWatchRepo{watches: map[string]Watch{}}
	for _, w := range ws {
		r.watches[w.ID] = w
	}
	return r
}

func (f *fakeWatchRepo) List(_ context.Context) ([]Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Watch, 0, len(f.watches))
	for _, w := range f.watches {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeWatchRepo) Save(_ context.Context, w Watch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.watches[w.ID] = w
	return nil
}

func (f *fakeWatchRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watches, id)
	return nil
}

func (f *fakeWatchRepo) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watches[id]
	return ok
}

// newTestCache wires a cache on fakes with a controllable clock.
func newTestCache(repo *fakeObjectRepo, stream *fakeStream, resources ...Resource) (*ObjectCache, *time.Time) {
	now := testEpoch.Add(time.Hour)
	c := NewObjectCache(
		&fakeContextRepo{contexts: []KubeContext{testContext}},
		&fakeDiscoveryRepo{groups: groupsOf(resources...)},
		repo,
		stream,
	)
	c.now = func() time.Time { return now }
	if _, err := c.FetchContexts(context.Background()); err != nil {
		panic(err)
	}
	return c, &now
}

func names(objs []*Object) string {
	out := make([]string, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.Name())
	}
	return strings.Join(out, ",")
}
