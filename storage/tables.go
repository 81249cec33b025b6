package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"prism-board/domain"
	"prism-board/permissions"
)

const edmInt64 = "Edm.Int64"

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

// TableNames names the three tables a board is stored in.
type TableNames struct {
	Projects string
	Tasks    string
	Members  string
}

func (n TableNames) all() []string { return []string{n.Projects, n.Tasks, n.Members} }

// Tables stores boards in Azure Table storage. Every row is partitioned by
// project id, so a board is three partition scans.
type Tables struct {
	projects tableClient
	tasks    tableClient
	members  tableClient
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTables connects to the tables named in names.
func NewTables(connStr string, names TableNames) (*Tables, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &Tables{
		projects: svc.NewClient(names.Projects),
		tasks:    svc.NewClient(names.Tasks),
		members:  svc.NewClient(names.Members),
	}, nil
}

// EnsureTables creates any missing tables.
func EnsureTables(ctx context.Context, connStr string, names TableNames) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return err
	}
	for _, name := range names.all() {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

type projectEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Name          string `json:"Name"`
	Description   string `json:"Description"`
	CreatorID     string `json:"CreatorID"`
	IsPrivate     bool   `json:"IsPrivate"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

type taskEntity struct {
	PartitionKey    string  `json:"PartitionKey"`
	RowKey          string  `json:"RowKey"`
	Title           string  `json:"Title"`
	Description     string  `json:"Description"`
	Status          string  `json:"Status"`
	Priority        string  `json:"Priority"`
	OrderKey        string  `json:"OrderKey"`
	CreatorID       string  `json:"CreatorID"`
	AssigneeID      string  `json:"AssigneeID"`
	CreatedAt       int64   `json:"CreatedAt,string"`
	CreatedAtType   string  `json:"CreatedAt@odata.type"`
	UpdatedAt       int64   `json:"UpdatedAt,string"`
	UpdatedAtType   string  `json:"UpdatedAt@odata.type"`
	CompletedAt     *int64  `json:"CompletedAt,omitempty,string"`
	CompletedAtType *string `json:"CompletedAt@odata.type,omitempty"`
}

type memberEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	ETag          string `json:"odata.etag,omitempty"`
	UserID        string `json:"UserID"`
	Role          string `json:"Role"`
	JoinedAt      int64  `json:"JoinedAt,string"`
	JoinedAtType  string `json:"JoinedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func encodeProject(p domain.Project) projectEntity {
	return projectEntity{
		PartitionKey:  p.ID,
		RowKey:        p.ID,
		Name:          p.Name,
		Description:   p.Description,
		CreatorID:     p.CreatorID,
		IsPrivate:     p.IsPrivate,
		CreatedAt:     micros(p.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     micros(p.UpdatedAt),
		UpdatedAtType: edmInt64,
	}
}

func (e projectEntity) decode() domain.Project {
	return domain.Project{
		ID:          e.RowKey,
		Name:        e.Name,
		Description: e.Description,
		CreatorID:   e.CreatorID,
		IsPrivate:   e.IsPrivate,
		CreatedAt:   fromMicros(e.CreatedAt),
		UpdatedAt:   fromMicros(e.UpdatedAt),
	}
}

func encodeTask(t domain.Task) taskEntity {
	ent := taskEntity{
		PartitionKey:  t.ProjectID,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		OrderKey:      t.OrderKey,
		CreatorID:     t.CreatorID,
		AssigneeID:    t.AssigneeID,
		CreatedAt:     micros(t.CreatedAt),
		CreatedAtType: edmInt64,
		UpdatedAt:     micros(t.UpdatedAt),
		UpdatedAtType: edmInt64,
	}
	if t.CompletedAt != nil {
		ent.CompletedAt = domain.Ref(micros(*t.CompletedAt))
		ent.CompletedAtType = domain.Ref(edmInt64)
	}
	return ent
}

func (e taskEntity) decode() domain.Task {
	t := domain.Task{
		ID:          e.RowKey,
		ProjectID:   e.PartitionKey,
		Title:       e.Title,
		Description: e.Description,
		Status:      domain.Status(e.Status),
		Priority:    domain.Priority(e.Priority),
		OrderKey:    e.OrderKey,
		CreatorID:   e.CreatorID,
		AssigneeID:  e.AssigneeID,
		CreatedAt:   fromMicros(e.CreatedAt),
		UpdatedAt:   fromMicros(e.UpdatedAt),
	}
	if e.CompletedAt != nil {
		t.CompletedAt = domain.Ref(fromMicros(*e.CompletedAt))
	}
	return t
}

func encodeMember(m domain.Member) memberEntity {
	return memberEntity{
		PartitionKey:  m.ProjectID,
		RowKey:        m.ID,
		UserID:        m.UserID,
		Role:          string(m.Role),
		JoinedAt:      micros(m.JoinedAt),
		JoinedAtType:  edmInt64,
		UpdatedAt:     micros(m.UpdatedAt),
		UpdatedAtType: edmInt64,
	}
}

func (e memberEntity) decode() domain.Member {
	return domain.Member{
		ID:        e.RowKey,
		ProjectID: e.PartitionKey,
		UserID:    e.UserID,
		Role:      domain.Role(e.Role),
		JoinedAt:  fromMicros(e.JoinedAt),
		UpdatedAt: fromMicros(e.UpdatedAt),
	}
}

// tableError maps Azure status codes onto domain errors.
func tableError(err error, format string, args ...any) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return domain.Errorf(domain.CodeNotFound, format, args...)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return domain.Wrap(domain.CodeConflict, err, "concurrent change")
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return domain.Wrap(domain.CodeTransient, err, "table storage unavailable")
	}
	return err
}

func get[E any](ctx context.Context, c tableClient, pk, rk, what string) (E, error) {
	var ent E
	resp, err := c.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		return ent, tableError(err, "%s %s not found", what, rk)
	}
	err = sonic.Unmarshal(resp.Value, &ent)
	return ent, err
}

func list[E any](ctx context.Context, c tableClient, pk string) ([]E, error) {
	filter := "PartitionKey eq '" + escapeKey(pk) + "'"
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []E{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tableError(err, "partition %s not found", pk)
		}
		for _, raw := range resp.Entities {
			var ent E
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func escapeKey(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func upsert(ctx context.Context, c tableClient, ent any) error {
	payload, err := sonic.Marshal(ent)
	if err == nil {
		_, err = c.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return tableError(err, "row not found")
}

func (s *Tables) Project(ctx context.Context, projectID string) (domain.Project, error) {
	ent, err := get[projectEntity](ctx, s.projects, projectID, projectID, "project")
	if err != nil {
		return domain.Project{}, err
	}
	return ent.decode(), nil
}

func (s *Tables) Task(ctx context.Context, projectID, id string) (domain.Task, error) {
	ent, err := get[taskEntity](ctx, s.tasks, projectID, id, "task")
	if err != nil {
		return domain.Task{}, err
	}
	return ent.decode(), nil
}

func (s *Tables) Member(ctx context.Context, projectID, id string) (domain.Member, error) {
	ent, err := get[memberEntity](ctx, s.members, projectID, id, "member")
	if err != nil {
		return domain.Member{}, err
	}
	return ent.decode(), nil
}

func (s *Tables) Members(ctx context.Context, projectID string) ([]domain.Member, error) {
	ents, err := list[memberEntity](ctx, s.members, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Member, len(ents))
	for i, e := range ents {
		out[i] = e.decode()
	}
	sortMembers(out)
	return out, nil
}

// Board reads the project row and both child partitions concurrently.
func (s *Tables) Board(ctx context.Context, projectID string) (domain.Board, error) {
	var b domain.Board
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := s.Project(gctx, projectID)
		b.Project = p
		return err
	})
	g.Go(func() error {
		ents, err := list[taskEntity](gctx, s.tasks, projectID)
		if err != nil {
			return err
		}
		b.Tasks = make([]domain.Task, len(ents))
		for i, e := range ents {
			b.Tasks[i] = e.decode()
		}
		return nil
	})
	g.Go(func() error {
		ms, err := s.Members(gctx, projectID)
		b.Members = ms
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Board{}, err
	}
	sortBoard(&b)
	return b, nil
}

func (s *Tables) SaveProject(ctx context.Context, p domain.Project) error {
	return upsert(ctx, s.projects, encodeProject(p))
}

func (s *Tables) SaveTask(ctx context.Context, t domain.Task) error {
	return upsert(ctx, s.tasks, encodeTask(t))
}

func (s *Tables) SaveMember(ctx context.Context, m domain.Member) error {
	return upsert(ctx, s.members, encodeMember(m))
}

func (s *Tables) DeleteTask(ctx context.Context, projectID, id string) error {
	_, err := s.tasks.DeleteEntity(ctx, projectID, id, nil)
	return tableError(err, "task %s not found", id)
}

func (s *Tables) DeleteMember(ctx context.Context, projectID, id string) error {
	_, err := s.members.DeleteEntity(ctx, projectID, id, nil)
	return tableError(err, "member %s not found", id)
}

// SaveMemberGuarded writes m in one entity-group transaction together with
// an ETag-checked touch of a surviving admin, so a concurrent demotion of
// that admin aborts the write.
func (s *Tables) SaveMemberGuarded(ctx context.Context, m domain.Member) error {
	payload, err := sonic.Marshal(encodeMember(m))
	if err != nil {
		return err
	}
	return s.guarded(ctx, m.ProjectID, m.ID, m.Role, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeInsertReplace,
		Entity:     payload,
	})
}

func (s *Tables) DeleteMemberGuarded(ctx context.Context, projectID, id string) error {
	payload, err := sonic.Marshal(memberEntity{PartitionKey: projectID, RowKey: id})
	if err != nil {
		return err
	}
	return s.guarded(ctx, projectID, id, domain.RoleNone, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeDelete,
		Entity:     payload,
	})
}

func (s *Tables) guarded(ctx context.Context, projectID, id string, newRole domain.Role, action aztables.TransactionAction) error {
	ents, err := list[memberEntity](ctx, s.members, projectID)
	if err != nil {
		return err
	}
	members := make([]domain.Member, len(ents))
	found := false
	for i, e := range ents {
		members[i] = e.decode()
		found = found || e.RowKey == id
	}
	if !found && newRole == domain.RoleNone {
		return domain.Errorf(domain.CodeNotFound, "member %s not found", id)
	}
	if !permissions.KeepsAdmin(members, id, newRole) {
		return domain.ErrLastAdmin
	}
	actions := []aztables.TransactionAction{action}
	for _, e := range ents {
		if e.RowKey == id || !permissions.AdminCapable(domain.Role(e.Role)) {
			continue
		}
		witness, err := sonic.Marshal(struct {
			PartitionKey string `json:"PartitionKey"`
			RowKey       string `json:"RowKey"`
		}{e.PartitionKey, e.RowKey})
		if err != nil {
			return err
		}
		etag := azcore.ETag(e.ETag)
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     witness,
			IfMatch:    &etag,
		})
		break
	}
	_, err = s.members.SubmitTransaction(ctx, actions, nil)
	return tableError(err, "member %s not found", id)
}
