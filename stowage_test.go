package stowage

import (
	"context"
	"errors"
	"testing"

	"github.com/saltyorg/stowage/store"
)

type Task struct {
	Title    string
	Priority int
	Done     bool
}

func (t *Task) Decode(obj *store.Object) bool {
	if obj == nil || obj.Value("title") == nil {
		return false
	}
	t.Title = obj.String("title")
	t.Priority = int(obj.Int("priority"))
	t.Done = obj.Bool("done")
	return true
}

func (t *Task) Populate(obj *store.Object, _ *store.Context) error {
	if err := obj.SetValue("title", t.Title); err != nil {
		return err
	}
	if err := obj.SetValue("priority", t.Priority); err != nil {
		return err
	}
	return obj.SetValue("done", t.Done)
}

func (t *Task) Equal(obj *store.Object) bool {
	return obj != nil &&
		obj.String("title") == t.Title &&
		obj.Int("priority") == int64(t.Priority) &&
		obj.Bool("done") == t.Done
}

func (t *Task) SortDescriptors() []store.SortDescriptor {
	return []store.SortDescriptor{store.Asc("priority"), store.Asc("title")}
}

// Memo is stored under the Note entity
type Memo struct {
	Body string
}

func (m *Memo) EntityName() string { return "Note" }

func (m *Memo) Decode(obj *store.Object) bool {
	if obj == nil {
		return false
	}
	m.Body = obj.String("body")
	return true
}

func (m *Memo) Populate(obj *store.Object, _ *store.Context) error {
	return obj.SetValue("body", m.Body)
}

func (m *Memo) Equal(obj *store.Object) bool {
	return obj != nil && obj.String("body") == m.Body
}

type Project struct {
	Name  string
	Tasks []Task
}

func (p *Project) Decode(obj *store.Object) bool {
	if obj == nil {
		return false
	}
	p.Name = obj.String("name")
	p.Tasks = nil
	children, err := obj.Related("tasks")
	if err != nil {
		return false
	}
	for _, child := range children {
		task, ok := Decode[Task](child)
		if !ok {
			return false
		}
		p.Tasks = append(p.Tasks, task)
	}
	return true
}

func (p *Project) Populate(obj *store.Object, sc *store.Context) error {
	if err := obj.SetValue("name", p.Name); err != nil {
		return err
	}
	return InsertAll[Task](sc, p.Tasks, func(child *store.Object) error {
		return obj.AddRelated("tasks", child)
	})
}

func (p *Project) Equal(obj *store.Object) bool {
	return obj != nil && obj.String("name") == p.Name && len(obj.RelatedIDs("tasks")) == len(p.Tasks)
}

// Unmapped has no entity in the model
type Unmapped struct{}

func (u *Unmapped) Decode(obj *store.Object) bool { return obj != nil }

func (u *Unmapped) Populate(_ *store.Object, _ *store.Context) error { return nil }

func (u *Unmapped) Equal(obj *store.Object) bool { return obj != nil }

func testModel(t *testing.T) *store.Model {
	t.Helper()

	m, err := store.NewModel(
		&store.EntityDescription{
			Name: "Task",
			Attributes: []store.AttributeDescription{
				{Name: "title", Type: store.TypeString},
				{Name: "priority", Type: store.TypeInteger, Default: 0},
				{Name: "done", Type: store.TypeBoolean, Default: false},
			},
			Unique: []string{"title"},
		},
		&store.EntityDescription{
			Name: "Note",
			Attributes: []store.AttributeDescription{
				{Name: "body", Type: store.TypeString},
			},
		},
		&store.EntityDescription{
			Name: "Project",
			Attributes: []store.AttributeDescription{
				{Name: "name", Type: store.TypeString},
			},
			Relationships: []store.RelationshipDescription{
				{Name: "tasks", Destination: "Task", ToMany: true},
			},
		},
	)
	if err != nil {
		t.Fatalf("failed to build model: %v", err)
	}
	return m
}

func newTestStowage(t *testing.T) *Stowage {
	t.Helper()
	return openTestStowage(t, t.TempDir())
}

// openTestStowage opens the tasks store in dir; several may share one dir
func openTestStowage(t *testing.T, dir string) *Stowage {
	t.Helper()

	s, err := New("tasks", WithDirectory(dir), WithModel(testModel(t)))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func titles(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.Title
	}
	return out
}

func expectTitles(t *testing.T, tasks []Task, want ...string) {
	t.Helper()

	got := titles(tasks)
	if len(got) != len(want) {
		t.Fatalf("expected titles %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected titles %v, got %v", want, got)
		}
	}
}

func TestEntityName(t *testing.T) {
	if got := EntityName[Task](); got != "Task" {
		t.Fatalf("expected Task, got %s", got)
	}
	if got := EntityName[Memo](); got != "Note" {
		t.Fatalf("expected Note, got %s", got)
	}
	if got := SortDescriptors[Memo](); got != nil {
		t.Fatalf("expected no default sort, got %v", got)
	}
}

func TestRoundTrip(t *testing.T) {
	s := newTestStowage(t)
	sc := s.ViewContext()
	defer sc.Rollback()

	want := Task{Title: "round trip", Priority: 4, Done: true}
	obj, err := Insert[Task](sc, want)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	got, ok := Decode[Task](obj)
	if !ok {
		t.Fatal("expected object to decode")
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if !want.Equal(obj) {
		t.Fatal("expected Equal to hold for the populated object")
	}
	if _, ok := Decode[Task](nil); ok {
		t.Fatal("expected nil object not to decode")
	}
}

func TestGet_ReturnsAllInSortOrder(t *testing.T) {
	s := newTestStowage(t)

	if err := SetAll(s, []Task{
		{Title: "c", Priority: 3},
		{Title: "a", Priority: 1},
		{Title: "b", Priority: 2},
	}); err != nil {
		t.Fatalf("SetAll returned error: %v", err)
	}

	all, err := Get[Task](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	expectTitles(t, all, "a", "b", "c")

	filtered, err := Get[Task](s, store.MustPredicate(`priority >= min`).With("min", float64(2)))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	expectTitles(t, filtered, "b", "c")
}

func TestGet_EmptyIsNotAnError(t *testing.T) {
	s := newTestStowage(t)

	got, err := Get[Task](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tasks, got %v", got)
	}
}

func TestDelete_RemovesMatching(t *testing.T) {
	s := newTestStowage(t)
	if err := SetAll(s, []Task{{Title: "keep", Priority: 1}, {Title: "drop-1", Priority: 2}, {Title: "drop-2", Priority: 3}}); err != nil {
		t.Fatalf("SetAll returned error: %v", err)
	}

	pred := store.MustPredicate(`priority >= 2`)
	deleted, err := Delete[Task](s, pred)
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	expectTitles(t, deleted, "drop-1", "drop-2")

	again, err := Get[Task](s, pred)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected deleted tasks gone, got %v", titles(again))
	}

	rest, _ := Get[Task](s, nil)
	expectTitles(t, rest, "keep")
}

func TestUpdate_ReturnsSnapshotsBeforeMutation(t *testing.T) {
	s := newTestStowage(t)
	if err := SetAll(s, []Task{{Title: "a", Priority: 1}, {Title: "b", Priority: 2}}); err != nil {
		t.Fatalf("SetAll returned error: %v", err)
	}

	before, err := Update[Task](s, store.MustPredicate(`title == "a"`), func(objects []*store.Object) {
		for _, obj := range objects {
			obj.MustSetValue("done", true)
			obj.MustSetValue("priority", 5)
		}
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if len(before) != 1 || before[0].Done || before[0].Priority != 1 {
		t.Fatalf("expected pre-mutation snapshot, got %+v", before)
	}

	after, err := Get[Task](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	expectTitles(t, after, "b", "a")
	if !after[1].Done {
		t.Fatalf("expected mutation to be committed, got %+v", after[1])
	}
}

func TestSetAll_StopsAtFirstFailure(t *testing.T) {
	s := newTestStowage(t)

	err := SetAll(s, []Task{
		{Title: "one", Priority: 1},
		{Title: "two", Priority: 2},
		{Title: "one", Priority: 3},
		{Title: "four", Priority: 4},
	})
	var cerr *store.ConstraintError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConstraintError, got %v", err)
	}

	got, err := Get[Task](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	expectTitles(t, got, "one", "two")

	// the failed item was rolled back, so the context is usable again
	if err := Set(s, Task{Title: "four", Priority: 4}); err != nil {
		t.Fatalf("Set after failure returned error: %v", err)
	}
	if s.ViewContext().HasChanges() {
		t.Fatal("expected no pending changes")
	}
}

func TestSet_UnknownEntity(t *testing.T) {
	s := newTestStowage(t)

	if err := Set(s, Unmapped{}); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity, got %v", err)
	}
	if err := SetInBackground(context.Background(), s, Unmapped{}); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity in background, got %v", err)
	}
	if _, err := Get[Unmapped](s, nil); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownEntity from Get, got %v", err)
	}
}

func TestEntityNameOverride(t *testing.T) {
	s := newTestStowage(t)

	if err := Set(s, Memo{Body: "hello"}); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	memos, err := Get[Memo](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(memos) != 1 || memos[0].Body != "hello" {
		t.Fatalf("unexpected memos: %+v", memos)
	}

	counts, err := s.Container().Counts()
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts["Note"] != 1 {
		t.Fatalf("expected 1 Note record, got %v", counts)
	}
}

func TestNestedValues(t *testing.T) {
	s := newTestStowage(t)

	project := Project{Name: "launch", Tasks: []Task{{Title: "plan", Priority: 1}, {Title: "ship", Priority: 2}}}
	if err := Set(s, project); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	projects, err := Get[Project](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "launch" {
		t.Fatalf("unexpected projects: %+v", projects)
	}
	expectTitles(t, projects[0].Tasks, "plan", "ship")

	tasks, _ := Get[Task](s, nil)
	expectTitles(t, tasks, "plan", "ship")
}

func TestNestedValues_ReadFromOtherContexts(t *testing.T) {
	dir := t.TempDir()
	s := openTestStowage(t, dir)

	project := Project{Name: "launch", Tasks: []Task{{Title: "plan", Priority: 1}, {Title: "ship", Priority: 2}}}
	if err := Set(s, project); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	background, err := GetInBackground[Project](context.Background(), s, nil)
	if err != nil {
		t.Fatalf("GetInBackground returned error: %v", err)
	}
	if len(background) != 1 || background[0].Name != "launch" {
		t.Fatalf("expected the project in the background context, got %+v", background)
	}
	expectTitles(t, background[0].Tasks, "plan", "ship")

	reopened := openTestStowage(t, dir)
	projects, err := Get[Project](reopened, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected the project from a second store handle, got %+v", projects)
	}
	expectTitles(t, projects[0].Tasks, "plan", "ship")
}

func TestUpdate_PanicDiscardsPartialMutation(t *testing.T) {
	s := newTestStowage(t)
	if err := Set(s, Task{Title: "a", Priority: 1}); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	_, err := Update[Task](s, store.MustPredicate(`title == "a"`), func(objects []*store.Object) {
		objects[0].MustSetValue("priority", 99)
		objects[0].MustSetValue("done", "not-a-bool")
	})
	if err == nil {
		t.Fatal("expected Update to fail when the mutation panics")
	}
	if s.ViewContext().HasChanges() {
		t.Fatal("expected the partial mutation to be discarded")
	}

	if err := Set(s, Task{Title: "b", Priority: 2}); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, err := Get[Task](s, store.MustPredicate(`title == "a"`))
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if len(got) != 1 || got[0].Priority != 1 {
		t.Fatalf("expected task a to keep priority 1, got %+v", got)
	}
}

func TestBackgroundVariants(t *testing.T) {
	s := newTestStowage(t)
	ctx := context.Background()

	if err := SetAllInBackground(ctx, s, []Task{{Title: "x", Priority: 1}, {Title: "y", Priority: 2}}); err != nil {
		t.Fatalf("SetAllInBackground returned error: %v", err)
	}
	if err := SetInBackground(ctx, s, Task{Title: "z", Priority: 3}); err != nil {
		t.Fatalf("SetInBackground returned error: %v", err)
	}

	// committed in the background, visible in the view at its next fetch
	viewTasks, err := Get[Task](s, nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	expectTitles(t, viewTasks, "x", "y", "z")

	before, err := UpdateInBackground[Task](ctx, s, store.MustPredicate(`title == "x"`), func(objects []*store.Object) {
		objects[0].MustSetValue("priority", 10)
	})
	if err != nil || len(before) != 1 || before[0].Priority != 1 {
		t.Fatalf("unexpected UpdateInBackground result: %+v, %v", before, err)
	}

	viewTasks, _ = Get[Task](s, nil)
	expectTitles(t, viewTasks, "y", "z", "x")

	deleted, err := DeleteInBackground[Task](ctx, s, store.MustPredicate(`title != "y"`))
	if err != nil {
		t.Fatalf("DeleteInBackground returned error: %v", err)
	}
	expectTitles(t, deleted, "z", "x")

	bgTasks, err := GetInBackground[Task](ctx, s, nil)
	if err != nil {
		t.Fatalf("GetInBackground returned error: %v", err)
	}
	expectTitles(t, bgTasks, "y")

	viewTasks, _ = Get[Task](s, nil)
	expectTitles(t, viewTasks, "y")
}

func TestBackground_CancelledBeforeStart(t *testing.T) {
	s := newTestStowage(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := SetInBackground(ctx, s, Task{Title: "never"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := GetInBackground[Task](ctx, s, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from GetInBackground, got %v", err)
	}

	got, _ := Get[Task](s, nil)
	if len(got) != 0 {
		t.Fatalf("expected nothing committed, got %v", titles(got))
	}
}

func TestSubscribe_ReceivesSaves(t *testing.T) {
	s := newTestStowage(t)
	sub := s.Subscribe()
	defer sub.Close()

	if err := Set(s, Task{Title: "event"}); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	event := <-sub.Events
	if event.Type != store.EventDidSave || len(event.Inserted) != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClose_RejectsFurtherWork(t *testing.T) {
	s := newTestStowage(t)

	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := Get[Task](s, nil); !errors.Is(err, store.ErrContextClosed) {
		t.Fatalf("expected ErrContextClosed, got %v", err)
	}
}
