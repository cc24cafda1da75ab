package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObjectCacheFetchAndRelease(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods,
		newRaw(testPods, "default", "a", "1"),
		newRaw(testPods, "default", "b", "1"),
	)
	c, _ := newTestCache(repo, newFakeStream(), testPods)

	objs, release, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}
	if c.Len() != 2 {
		t.Fatalf("cache holds %d objects, want 2", c.Len())
	}

	release()
	release()

	if c.Len() != 0 {
		t.Errorf("cache holds %d objects after release, want 0", c.Len())
	}
	for _, obj := range objs {
		if !obj.Evicted() {
			t.Errorf("%s not evicted after last release", obj.Ident())
		}
	}
}

func TestObjectCacheHolderRefcount(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods, newRaw(testPods, "default", "a", "1"))
	c, _ := newTestCache(repo, newFakeStream(), testPods)

	const n = 3
	releases := make([]func(), 0, n)
	var obj *Object
	for i := 0; i < n; i++ {
		objs, release, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
		if err != nil {
			t.Fatalf("FetchObjects: %v", err)
		}
		for _, o := range objs {
			if obj != nil && o != obj {
				t.Fatal("repeated fetches must return the same instance")
			}
			obj = o
		}
		releases = append(releases, release)
	}

	for i, release := range releases {
		if obj.Evicted() {
			t.Fatalf("object evicted after %d of %d releases", i, n)
		}
		release()
	}
	if !obj.Evicted() {
		t.Fatal("object must be evicted after the last release")
	}

	// Eviction never reverts through the sweep.
	c.Sweep()
	if !obj.Evicted() {
		t.Fatal("evicted flag reverted")
	}
}

func TestObjectCacheWatchPatchesOnce(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods,
		newRaw(testPods, "default", "pod-a", "v1"),
		newRaw(testPods, "default", "pod-b", "v2"),
		newRaw(testPods, "default", "pod-c", "v3"),
	)
	stream := newFakeStream()
	c, _ := newTestCache(repo, stream, testPods)

	objs, release, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{Namespace: "default"})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	defer release()

	var events []*Object
	unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{Namespace: "default"}, func(obj *Object, err error) {
		if err != nil {
			t.Errorf("unexpected watch error: %v", err)
			return
		}
		events = append(events, obj)
	})
	if err != nil {
		t.Fatalf("WatchObjects: %v", err)
	}
	defer unwatch()

	stream.push(testPods, WatchEventUpdated, newRaw(testPods, "default", "pod-b", "v4"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	for _, obj := range objs {
		want := uint64(1)
		if obj.Name() == "pod-b" {
			want = 2
		}
		if obj.Rev() != want {
			t.Errorf("%s rev = %d, want %d", obj.Name(), obj.Rev(), want)
		}
	}
	if events[0].Name() != "pod-b" || events[0].Raw().GetResourceVersion() != "v4" {
		t.Errorf("event carried %s@%s", events[0].Name(), events[0].Raw().GetResourceVersion())
	}
}

func TestObjectCacheFetchDropsAbsentObjects(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods,
		newRaw(testPods, "default", "a", "1"),
		newRaw(testPods, "default", "b", "1"),
	)
	c, _ := newTestCache(repo, newFakeStream(), testPods)

	first, release1, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	defer release1()

	repo.set(testPods, newRaw(testPods, "default", "a", "1"))
	_, release2, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	defer release2()

	cached := c.Objects(testContext, testPods)
	if len(cached) != 1 {
		t.Fatalf("cache holds %d pods, want 1", len(cached))
	}
	b := first[NewObjectIdent("cluster-1", testPods, "default", "b")]
	if b.LostAt().IsZero() {
		t.Error("dropped object must carry a lost time")
	}
	if b.Evicted() {
		t.Error("dropped object stays valid for its holders")
	}
}

func TestObjectCacheDeletedEventAndSweep(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods, newRaw(testPods, "default", "a", "1"))
	stream := newFakeStream()
	c, now := newTestCache(repo, stream, testPods)

	unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, nil)
	if err != nil {
		t.Fatalf("WatchObjects: %v", err)
	}
	defer unwatch()

	stream.push(testPods, WatchEventDeleted, newRaw(testPods, "default", "a", "2"))

	objs := c.Objects(testContext, testPods)
	obj := objs[NewObjectIdent("cluster-1", testPods, "default", "a")]
	if obj == nil {
		t.Fatal("pushed object not cached")
	}
	if obj.DeletedAt().IsZero() {
		t.Fatal("deleted event must stamp deletedAt")
	}

	*now = now.Add(time.Second)
	if n := c.Sweep(); n != 0 {
		t.Fatalf("Sweep() evicted %d objects within retention", n)
	}

	*now = now.Add(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep() evicted %d objects, want 1", n)
	}
	if !obj.Evicted() {
		t.Error("object deleted past retention must be evicted")
	}
}

func TestObjectCacheSweepEvictsUnheld(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods, newRaw(testPods, "default", "a", "1"))
	stream := newFakeStream()
	c, _ := newTestCache(repo, stream, testPods)

	unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, nil)
	if err != nil {
		t.Fatalf("WatchObjects: %v", err)
	}
	stream.push(testPods, WatchEventAdded, newRaw(testPods, "default", "a", "1"))

	obj := c.Objects(testContext, testPods)[NewObjectIdent("cluster-1", testPods, "default", "a")]
	if c.Sweep() != 0 {
		t.Fatal("held object must survive the sweep")
	}

	// A holder that skipped its release leaves the sweep as safety net.
	obj.mu.Lock()
	for token := range obj.usedBy {
		delete(obj.usedBy, token)
	}
	obj.mu.Unlock()

	if c.Sweep() != 1 || !obj.Evicted() {
		t.Fatal("unheld object must be evicted by the sweep")
	}
	unwatch()
}

func TestObjectCacheConnectOnce(t *testing.T) {
	stream := newFakeStream()
	c, _ := newTestCache(newFakeObjectRepo(), stream, testPods)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, nil)
			if err != nil {
				t.Errorf("WatchObjects: %v", err)
				return
			}
			unwatch()
		}()
	}
	wg.Wait()

	if stream.connects != 1 {
		t.Errorf("connects = %d, want 1", stream.connects)
	}
}

func TestObjectCacheConnectError(t *testing.T) {
	stream := newFakeStream()
	stream.connectErr = errors.New("refused")
	c, _ := newTestCache(newFakeObjectRepo(), stream, testPods)

	if _, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, nil); err == nil {
		t.Fatal("expected connect error")
	}
	if stream.active() != 0 {
		t.Error("no subscription may be registered when connect fails")
	}
}

func TestObjectCacheUnsubscribe(t *testing.T) {
	stream := newFakeStream()
	c, _ := newTestCache(newFakeObjectRepo(), stream, testPods)

	calls := 0
	unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, func(*Object, error) { calls++ })
	if err != nil {
		t.Fatalf("WatchObjects: %v", err)
	}

	var handler StreamHandler
	for _, sub := range stream.subs {
		handler = sub.handler
	}

	stream.push(testPods, WatchEventAdded, newRaw(testPods, "default", "a", "1"))
	obj := c.Objects(testContext, testPods)[NewObjectIdent("cluster-1", testPods, "default", "a")]

	unwatch()
	unwatch()

	if len(stream.cancelled) != 1 {
		t.Fatalf("cancelled %d subscriptions, want 1", len(stream.cancelled))
	}
	if !obj.Evicted() {
		t.Error("object held only by the watch must be evicted on unsubscribe")
	}

	// An event racing the cancel is dropped.
	handler(StreamEvent{Type: WatchEventAdded, Manifest: manifestOf(newRaw(testPods, "default", "late", "1"))})
	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if c.Len() != 0 {
		t.Errorf("late event was merged")
	}
}

func TestObjectCacheWatchErrors(t *testing.T) {
	stream := newFakeStream()
	c, _ := newTestCache(newFakeObjectRepo(), stream, testPods)

	var errs []error
	unwatch, err := c.WatchObjects(context.Background(), testContext, testPods, Selector{}, func(obj *Object, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		panic("listener bug")
	})
	if err != nil {
		t.Fatalf("WatchObjects: %v", err)
	}
	defer unwatch()

	for _, sub := range stream.subs {
		sub.handler(StreamEvent{Type: WatchEventAdded, Manifest: []byte(`{not json`)})
		sub.handler(StreamEvent{Type: WatchEventAdded})
		sub.handler(StreamEvent{Err: errors.New("stream broke")})
	}
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3", len(errs))
	}

	// A panicking listener must not break the merge.
	stream.push(testPods, WatchEventAdded, newRaw(testPods, "default", "a", "1"))
	if c.Len() != 1 {
		t.Errorf("cache holds %d objects, want 1", c.Len())
	}
}

func TestObjectCacheUpdateObject(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods, newRaw(testPods, "default", "a", "1"))
	c, _ := newTestCache(repo, newFakeStream(), testPods)

	objs, release, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	defer release()
	obj := objs[NewObjectIdent("cluster-1", testPods, "default", "a")]

	manifest := "apiVersion: v1\nkind: Pod\nmetadata:\n  name: a\n  namespace: default\n  labels:\n    tier: web\n"
	if err := c.UpdateObject(context.Background(), testContext, obj, []byte(manifest)); err != nil {
		t.Fatalf("UpdateObject: %v", err)
	}
	if obj.Raw().GetLabels()["tier"] != "web" || obj.Rev() != 2 {
		t.Errorf("object not patched with the server answer: rev=%d labels=%v", obj.Rev(), obj.Raw().GetLabels())
	}

	tests := []struct {
		name     string
		manifest string
	}{
		{"other name", "apiVersion: v1\nkind: Pod\nmetadata:\n  name: b\n  namespace: default\n"},
		{"other kind", "apiVersion: v1\nkind: Service\nmetadata:\n  name: a\n  namespace: default\n"},
		{"garbage", "::"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.UpdateObject(context.Background(), testContext, obj, []byte(tt.manifest))
			var invalid *ErrInvalidInput
			if !errors.As(err, &invalid) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestObjectCacheDeleteFallback(t *testing.T) {
	first := KubeContext{Name: "first", ClusterUID: "cluster-1"}
	second := KubeContext{Name: "second", ClusterUID: "cluster-1"}
	other := KubeContext{Name: "other", ClusterUID: "cluster-2"}

	newCache := func(repo *fakeObjectRepo) *ObjectCache {
		c := NewObjectCache(&fakeContextRepo{contexts: []KubeContext{first, other, second}}, &fakeDiscoveryRepo{}, repo, newFakeStream())
		if _, err := c.FetchContexts(context.Background()); err != nil {
			t.Fatalf("FetchContexts: %v", err)
		}
		return c
	}
	obj := newObject("cluster-1", testPods, newRaw(testPods, "default", "a", "1"), testEpoch)

	t.Run("falls back to the next context", func(t *testing.T) {
		repo := newFakeObjectRepo()
		repo.deleteErr["first"] = errors.New("forbidden")
		c := newCache(repo)

		if err := c.DeleteObject(context.Background(), nil, obj); err != nil {
			t.Fatalf("DeleteObject: %v", err)
		}
		if got := strings.Join(repo.deletes, ","); got != "first:default/a,second:default/a" {
			t.Errorf("deletes = %s", got)
		}
		if !obj.DeletedAt().IsZero() {
			t.Error("delete must leave deletedAt to the watch")
		}
	})

	t.Run("aggregates failures", func(t *testing.T) {
		repo := newFakeObjectRepo()
		errFirst, errSecond := errors.New("forbidden"), errors.New("timeout")
		repo.deleteErr["first"] = errFirst
		repo.deleteErr["second"] = errSecond
		c := newCache(repo)

		err := c.DeleteObject(context.Background(), nil, obj)
		var failed *ErrDeleteFailed
		if !errors.As(err, &failed) {
			t.Fatalf("err = %v, want ErrDeleteFailed", err)
		}
		if !errors.Is(err, errFirst) || !errors.Is(err, errSecond) {
			t.Error("aggregated error must wrap every attempt")
		}
		if !strings.Contains(err.Error(), "forbidden; timeout") {
			t.Errorf("message = %q", err.Error())
		}
	})

	t.Run("explicit context", func(t *testing.T) {
		repo := newFakeObjectRepo()
		c := newCache(repo)

		if err := c.DeleteObject(context.Background(), &second, obj); err != nil {
			t.Fatalf("DeleteObject: %v", err)
		}
		if got := strings.Join(repo.deletes, ","); got != "second:default/a" {
			t.Errorf("deletes = %s", got)
		}
	})

	t.Run("unknown cluster", func(t *testing.T) {
		c := newCache(newFakeObjectRepo())
		stray := newObject("cluster-9", testPods, newRaw(testPods, "default", "a", "1"), testEpoch)

		var notFound *ErrContextNotFound
		if err := c.DeleteObject(context.Background(), nil, stray); !errors.As(err, &notFound) {
			t.Errorf("err = %v, want ErrContextNotFound", err)
		}
	})
}

func TestObjectCacheContextsAndResources(t *testing.T) {
	contexts := &fakeContextRepo{contexts: []KubeContext{testContext}}
	c := NewObjectCache(contexts, &fakeDiscoveryRepo{groups: groupsOf(testPods, testDeployments)}, newFakeObjectRepo(), newFakeStream())

	for i := 0; i < 3; i++ {
		if _, err := c.FetchContexts(context.Background()); err != nil {
			t.Fatalf("FetchContexts: %v", err)
		}
	}
	if contexts.calls != 1 {
		t.Errorf("contexts listed %d times, want 1", contexts.calls)
	}

	if _, err := c.Context("missing"); err == nil {
		t.Error("expected ErrContextNotFound")
	}

	groups, err := c.FetchResources(context.Background(), testContext)
	if err != nil {
		t.Fatalf("FetchResources: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	res, ok := c.Resource(testContext, "apps/v1", "Deployment")
	if !ok || res.Name != "deployments" {
		t.Errorf("Resource() = %+v, %v", res, ok)
	}
}

func TestObjectCacheLookup(t *testing.T) {
	repo := newFakeObjectRepo()
	repo.put(testPods, newRaw(testPods, "default", "a", "1"))
	c, _ := newTestCache(repo, newFakeStream(), testPods)

	objs, release, err := c.FetchObjects(context.Background(), testContext, testPods, Selector{})
	if err != nil {
		t.Fatalf("FetchObjects: %v", err)
	}
	var want *Object
	for _, o := range objs {
		want = o
	}

	got, ok := c.Lookup(want.Ident())
	if !ok || got != want {
		t.Fatalf("Lookup(%s) = %v, %v", want.Ident(), got, ok)
	}

	release()
	if _, ok := c.Lookup(want.Ident()); ok {
		t.Error("released object must not be found")
	}
}
