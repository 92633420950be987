package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"shiftflow/pkg/access"
	"shiftflow/pkg/attachment"
	"shiftflow/pkg/auth"
	"shiftflow/pkg/diagnostics"
	"shiftflow/pkg/idp"
	"shiftflow/pkg/objectstore"
	"shiftflow/pkg/repo"
)

type fakeVerifier struct {
	claims map[string]auth.Claims
	errs   map[string]error

	// verified runs after a successful verification.
	verified func()
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (auth.Claims, error) {
	if err, ok := v.errs[token]; ok {
		return auth.Claims{}, err
	}
	c, ok := v.claims[token]
	if !ok {
		return auth.Claims{}, &auth.VerificationError{Strategy: "jwks", Reason: "signature invalid"}
	}
	if v.verified != nil {
		v.verified()
	}
	return c, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	entries map[string]access.Entry
	err     error
	lookups int
	bound   map[string]string
}

func (d *fakeDirectory) LookupByEmail(_ context.Context, email string) (access.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	if d.err != nil {
		return access.Entry{}, d.err
	}
	e, ok := d.entries[email]
	if !ok {
		return access.Entry{}, access.ErrNoUser
	}
	return e, nil
}

func (d *fakeDirectory) BindSubject(_ context.Context, userID, subject string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound == nil {
		d.bound = map[string]string{}
	}
	d.bound[userID] = subject
	return nil
}

func (d *fakeDirectory) setMembershipStatus(membershipID, status string) (access.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for email, e := range d.entries {
		if e.MembershipID == membershipID {
			e.MembershipStatus = status
			d.entries[email] = e
			return e, true
		}
	}
	return access.Entry{}, false
}

// fakeRepo is the relational store: work items, members and attachment
// metadata in memory, with failure injection.
type fakeRepo struct {
	mu          sync.Mutex
	dir         *fakeDirectory
	tasks       []repo.Task
	messages    map[string]repo.Message
	attachments map[string]attachment.Record

	listErr          error
	insertMessageErr error
	insertAttachErr  error

	listTaskCalls   int
	listMemberCalls int

	// listed runs after ListTasks has read its rows, outside the lock.
	listed func()
}

func newFakeRepo(dir *fakeDirectory) *fakeRepo {
	return &fakeRepo{
		dir:         dir,
		messages:    map[string]repo.Message{},
		attachments: map[string]attachment.Record{},
	}
}

func (r *fakeRepo) ListTasks(_ context.Context, orgID string, _ int) ([]repo.Task, error) {
	r.mu.Lock()
	r.listTaskCalls++
	if r.listErr != nil {
		r.mu.Unlock()
		return nil, r.listErr
	}
	out := []repo.Task{}
	for _, t := range r.tasks {
		if t.OrgID == orgID {
			out = append(out, t)
		}
	}
	hook := r.listed
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *fakeRepo) CreateTask(ctx context.Context, t repo.Task) (repo.Task, error) {
	if err := ctx.Err(); err != nil {
		return repo.Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = uuid.NewString()
	if t.Status == "" {
		t.Status = repo.TaskOpen
	}
	r.tasks = append(r.tasks, t)
	return t, nil
}

func (r *fakeRepo) UpdateTask(ctx context.Context, orgID, taskID string, p repo.TaskPatch) (repo.Task, error) {
	if err := ctx.Err(); err != nil {
		return repo.Task{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks {
		if t.ID != taskID || t.OrgID != orgID {
			continue
		}
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Details != nil {
			t.Details = *p.Details
		}
		if p.Status != nil {
			t.Status = *p.Status
		}
		if p.Assignee != nil {
			t.AssigneeMembershipID = *p.Assignee
		}
		r.tasks[i] = t
		return t, nil
	}
	return repo.Task{}, repo.ErrNotFound
}

func (r *fakeRepo) ListMessages(_ context.Context, orgID, taskID string, _ int) ([]repo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := []repo.Message{}
	for _, m := range r.messages {
		if m.OrgID == orgID && (taskID == "" || m.TaskID == taskID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) InsertMessage(ctx context.Context, m repo.Message) (repo.Message, error) {
	if err := ctx.Err(); err != nil {
		return repo.Message{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertMessageErr != nil {
		return repo.Message{}, r.insertMessageErr
	}
	m.ID = uuid.NewString()
	r.messages[m.ID] = m
	return m, nil
}

func (r *fakeRepo) SetMessageAttachment(ctx context.Context, orgID, messageID, attachmentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.OrgID != orgID {
		return "", repo.ErrNotFound
	}
	prev := m.AttachmentID
	m.AttachmentID = attachmentID
	r.messages[messageID] = m
	return prev, nil
}

func (r *fakeRepo) ListMembers(_ context.Context, orgID string) ([]repo.Member, error) {
	r.mu.Lock()
	r.listMemberCalls++
	listErr := r.listErr
	r.mu.Unlock()
	if listErr != nil {
		return nil, listErr
	}
	r.dir.mu.Lock()
	defer r.dir.mu.Unlock()
	out := []repo.Member{}
	for _, e := range r.dir.entries {
		if e.OrgID == orgID {
			out = append(out, repo.Member{MembershipID: e.MembershipID, UserID: e.UserID, Email: e.Email, Role: e.Role, Status: e.MembershipStatus})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (r *fakeRepo) GetMember(ctx context.Context, orgID, membershipID string) (repo.Member, error) {
	if err := ctx.Err(); err != nil {
		return repo.Member{}, err
	}
	r.dir.mu.Lock()
	defer r.dir.mu.Unlock()
	for _, e := range r.dir.entries {
		if e.MembershipID == membershipID && e.OrgID == orgID {
			return repo.Member{MembershipID: e.MembershipID, UserID: e.UserID, Email: e.Email, Role: e.Role, Status: e.MembershipStatus}, nil
		}
	}
	return repo.Member{}, repo.ErrNotFound
}

func (r *fakeRepo) UpdateMemberStatus(ctx context.Context, orgID, membershipID, status string) (repo.Member, error) {
	if err := ctx.Err(); err != nil {
		return repo.Member{}, err
	}
	e, ok := r.dir.setMembershipStatus(membershipID, status)
	if !ok || e.OrgID != orgID {
		return repo.Member{}, repo.ErrNotFound
	}
	return repo.Member{MembershipID: e.MembershipID, UserID: e.UserID, Email: e.Email, Role: e.Role, Status: status}, nil
}

func (r *fakeRepo) InsertAttachment(ctx context.Context, rec attachment.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertAttachErr != nil {
		return r.insertAttachErr
	}
	r.attachments[rec.AttachmentID] = rec
	return nil
}

func (r *fakeRepo) GetAttachment(_ context.Context, orgID, attachmentID string) (attachment.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.attachments[attachmentID]
	if !ok || rec.OrgID != orgID {
		return attachment.Record{}, attachment.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) DeleteAttachment(ctx context.Context, orgID, attachmentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.attachments[attachmentID]
	if !ok || rec.OrgID != orgID {
		return attachment.ErrNotFound
	}
	for id, m := range r.messages {
		if m.AttachmentID == attachmentID {
			m.AttachmentID = ""
			r.messages[id] = m
		}
	}
	delete(r.attachments, attachmentID)
	return nil
}

func (r *fakeRepo) attachmentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attachments)
}

// recordingBlobs remembers every key written so tests can check for
// orphans.
type recordingBlobs struct {
	*objectstore.Memory
	mu   sync.Mutex
	keys []string
}

func (b *recordingBlobs) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.keys = append(b.keys, key)
	b.mu.Unlock()
	return b.Memory.Put(ctx, key, body, contentType)
}

func (b *recordingBlobs) puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

func (b *recordingBlobs) live() int {
	b.mu.Lock()
	keys := append([]string(nil), b.keys...)
	b.mu.Unlock()
	n := 0
	for _, k := range keys {
		if ok, _ := b.Exists(context.Background(), k); ok {
			n++
		}
	}
	return n
}

type fakeLogin struct {
	result idp.Result
	err    error
}

func (f *fakeLogin) BeginLogin(_ context.Context, returnTo string) (string, error) {
	return "https://accounts.example.com/auth?state=s1&return=" + returnTo, nil
}

func (f *fakeLogin) Complete(_ context.Context, state, code string) (idp.Result, error) {
	if f.err != nil {
		return idp.Result{}, f.err
	}
	if state == "" || code == "" {
		return idp.Result{}, idp.ErrStateInvalid
	}
	return f.result, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []diagnostics.Event
}

func (s *recordingSink) Publish(_ context.Context, ev diagnostics.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) last() (diagnostics.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return diagnostics.Event{}, errors.New("no events")
	}
	return s.events[len(s.events)-1], nil
}
