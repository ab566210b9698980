package store

import (
	"testing"
	"time"
)

func testModel(t *testing.T) *Model {
	t.Helper()

	m, err := NewModel(
		&EntityDescription{
			Name: "Task",
			Attributes: []AttributeDescription{
				{Name: "title", Type: TypeString},
				{Name: "priority", Type: TypeInteger, Default: 0},
				{Name: "done", Type: TypeBoolean, Default: false},
				{Name: "due", Type: TypeDate, Optional: true},
				{Name: "cost", Type: TypeDecimal, Optional: true},
				{Name: "code", Type: TypeString, Optional: true},
				{Name: "meta", Type: TypeJSON, Optional: true},
			},
			Relationships: []RelationshipDescription{
				{Name: "tags", Destination: "Tag", ToMany: true},
				{Name: "owner", Destination: "Tag"},
			},
			Unique: []string{"code"},
		},
		&EntityDescription{
			Name: "Tag",
			Attributes: []AttributeDescription{
				{Name: "name", Type: TypeString},
			},
		},
	)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	return m
}

func newTestContainer(t *testing.T, opts ...Option) *Container {
	t.Helper()

	opts = append([]Option{WithDirectory(t.TempDir()), WithModel(testModel(t))}, opts...)
	c, err := OpenContainer("test", opts...)
	if err != nil {
		t.Fatalf("failed to open container: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// insertTask inserts and saves a task in sc
func insertTask(t *testing.T, sc *Context, title string, priority int) *Object {
	t.Helper()

	obj, err := sc.Insert("Task")
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	obj.MustSetValue("title", title)
	obj.MustSetValue("priority", priority)
	if err := sc.Save(); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	return obj
}

func fetchTasks(t *testing.T, sc *Context, pred *Predicate) []*Object {
	t.Helper()

	objects, err := sc.Fetch(NewFetchRequest("Task").Where(pred).SortBy(Asc("title")))
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	return objects
}

func receiveEvent(t *testing.T, sub *Subscription, want EventType) Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				t.Fatal("subscription closed before event arrived")
			}
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}
