package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// RedisStore implements Store backed by Redis.
// Workflows and tasks are hashes; incomplete workflows and active nodes are
// sets.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "gleitzeit")
	Prefix string

	// Retention for finished workflows (default: 7 days)
	Retention time.Duration

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "gleitzeit",
		Retention:    DefaultConfig().Retention,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient builds a client from cfg and checks connectivity.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a Redis-backed Store that owns a new connection.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "gleitzeit"
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

// Key helpers
func (s *RedisStore) keyWorkflow(id string) string { return fmt.Sprintf("%s:workflow:%s", s.prefix, id) }
func (s *RedisStore) keyTask(id string) string     { return fmt.Sprintf("%s:task:%s", s.prefix, id) }
func (s *RedisStore) keyActiveWorkflows() string   { return s.prefix + ":workflows:active" }
func (s *RedisStore) keyAllWorkflows() string      { return s.prefix + ":workflows:all" }
func (s *RedisStore) keyActiveNodes() string       { return s.prefix + ":nodes:active" }

func observe(op string, err error) error {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(op, result).Inc()
	return err
}

// SaveWorkflow writes the full record and updates the incomplete set.
func (s *RedisStore) SaveWorkflow(ctx context.Context, rec *types.WorkflowRecord) error {
	fields, err := workflowFields(rec)
	if err != nil {
		return observe("save_workflow", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.keyWorkflow(rec.ID), fields)
	pipe.ZAdd(ctx, s.keyAllWorkflows(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
	if rec.Status.IsTerminal() {
		pipe.SRem(ctx, s.keyActiveWorkflows(), rec.ID)
	} else {
		// A workflow reopened for retry loses its retention and finish time.
		pipe.SAdd(ctx, s.keyActiveWorkflows(), rec.ID)
		pipe.Persist(ctx, s.keyWorkflow(rec.ID))
		if rec.CompletedAt == nil {
			pipe.HDel(ctx, s.keyWorkflow(rec.ID), "completed_at")
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return observe("save_workflow", fmt.Errorf("save workflow: %w", err))
	}
	if rec.Status.IsTerminal() {
		s.expire(ctx, rec.ID, rec.TaskIDs)
	}
	return observe("save_workflow", nil)
}

// GetWorkflow reads a workflow record.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.keyWorkflow(id)).Result()
	if err != nil {
		return nil, observe("get_workflow", fmt.Errorf("get workflow: %w", err))
	}
	if len(fields) == 0 {
		observe("get_workflow", nil)
		return nil, ErrWorkflowNotFound
	}
	rec, err := parseWorkflow(fields)
	return rec, observe("get_workflow", err)
}

// ListWorkflows returns all retained workflows, newest first.
func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyAllWorkflows(), 0, -1).Result()
	if err != nil {
		return nil, observe("list_workflows", fmt.Errorf("list workflows: %w", err))
	}
	if len(ids) == 0 {
		return []*types.WorkflowRecord{}, observe("list_workflows", nil)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keyWorkflow(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, observe("list_workflows", fmt.Errorf("list workflows: %w", err))
	}

	out := make([]*types.WorkflowRecord, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Expired by retention.
			stale = append(stale, ids[i])
			continue
		}
		rec, err := parseWorkflow(fields)
		if err != nil {
			return nil, observe("list_workflows", err)
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.keyAllWorkflows(), stale...)
	}
	return out, observe("list_workflows", nil)
}

// UpdateWorkflowStatus sets the status and timestamps and maintains the
// incomplete set.
func (s *RedisStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error {
	key := s.keyWorkflow(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return observe("update_status", fmt.Errorf("check workflow exists: %w", err))
	}
	if exists == 0 {
		return ErrWorkflowNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "status", string(status), "updated_at", now)
	if status == types.WorkflowStatusRunning {
		pipe.HSetNX(ctx, key, "started_at", now)
	}
	if status.IsTerminal() {
		pipe.HSetNX(ctx, key, "completed_at", now)
		pipe.SRem(ctx, s.keyActiveWorkflows(), id)
	} else {
		pipe.SAdd(ctx, s.keyActiveWorkflows(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return observe("update_status", fmt.Errorf("update workflow status: %w", err))
	}

	if status.IsTerminal() && s.retention > 0 {
		var taskIDs []string
		if raw, err := s.client.HGet(ctx, key, "task_ids").Result(); err == nil {
			_ = json.Unmarshal([]byte(raw), &taskIDs)
		}
		s.expire(ctx, id, taskIDs)
	}
	return observe("update_status", nil)
}

// IncrementCounter atomically adds delta to a workflow counter.
func (s *RedisStore) IncrementCounter(ctx context.Context, id string, counter Counter, delta int64) (int64, error) {
	if !counter.valid() {
		return 0, ErrUnknownCounter
	}
	key := s.keyWorkflow(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, observe("increment", fmt.Errorf("check workflow exists: %w", err))
	}
	if exists == 0 {
		return 0, ErrWorkflowNotFound
	}
	n, err := s.client.HIncrBy(ctx, key, string(counter), delta).Result()
	if err != nil {
		return 0, observe("increment", fmt.Errorf("increment %s: %w", counter, err))
	}
	return n, observe("increment", nil)
}

// SaveTask writes one task.
func (s *RedisStore) SaveTask(ctx context.Context, task *types.Task) error {
	return s.SaveTasks(ctx, []*types.Task{task})
}

// SaveTasks writes tasks in one transaction.
func (s *RedisStore) SaveTasks(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return observe("save_task", fmt.Errorf("marshal task %s: %w", t.ID, err))
		}
		pipe.HSet(ctx, s.keyTask(t.ID), map[string]interface{}{
			"id":          t.ID,
			"workflow_id": t.WorkflowID,
			"status":      string(t.Status),
			"json":        string(data),
		})
		if !t.Status.IsTerminal() {
			pipe.Persist(ctx, s.keyTask(t.ID))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return observe("save_task", fmt.Errorf("save tasks: %w", err))
	}
	return observe("save_task", nil)
}

// GetTask reads one task.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	raw, err := s.client.HGet(ctx, s.keyTask(id), "json").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			observe("get_task", nil)
			return nil, ErrTaskNotFound
		}
		return nil, observe("get_task", fmt.Errorf("get task: %w", err))
	}
	var t types.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, observe("get_task", fmt.Errorf("unmarshal task %s: %w", id, err))
	}
	return &t, observe("get_task", nil)
}

// ListTasks returns the workflow's tasks in submission order.
func (s *RedisStore) ListTasks(ctx context.Context, workflowID string) ([]*types.Task, error) {
	raw, err := s.client.HGet(ctx, s.keyWorkflow(workflowID), "task_ids").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrWorkflowNotFound
		}
		return nil, observe("list_tasks", fmt.Errorf("get task ids: %w", err))
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, observe("list_tasks", fmt.Errorf("unmarshal task ids: %w", err))
	}
	if len(ids) == 0 {
		return []*types.Task{}, observe("list_tasks", nil)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyTask(id), "json")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, observe("list_tasks", fmt.Errorf("list tasks: %w", err))
	}

	out := make([]*types.Task, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, observe("list_tasks", fmt.Errorf("get task %s: %w", ids[i], err))
		}
		var t types.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, observe("list_tasks", fmt.Errorf("unmarshal task %s: %w", ids[i], err))
		}
		out = append(out, &t)
	}
	return out, observe("list_tasks", nil)
}

// IncompleteWorkflows returns the ids of workflows not in a terminal status.
func (s *RedisStore) IncompleteWorkflows(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyActiveWorkflows()).Result()
	if err != nil {
		return nil, observe("incomplete_workflows", fmt.Errorf("incomplete workflows: %w", err))
	}
	sort.Strings(ids)
	return ids, observe("incomplete_workflows", nil)
}

// IncompleteTasks returns the non-terminal tasks of a workflow.
func (s *RedisStore) IncompleteTasks(ctx context.Context, workflowID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return incomplete(tasks), nil
}

// AddActiveNode marks an executor as active.
func (s *RedisStore) AddActiveNode(ctx context.Context, name string) error {
	return observe("add_node", s.client.SAdd(ctx, s.keyActiveNodes(), name).Err())
}

// RemoveActiveNode clears an executor's active mark.
func (s *RedisStore) RemoveActiveNode(ctx context.Context, name string) error {
	return observe("remove_node", s.client.SRem(ctx, s.keyActiveNodes(), name).Err())
}

// ActiveNodes returns the active executor names, sorted.
func (s *RedisStore) ActiveNodes(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.keyActiveNodes()).Result()
	if err != nil {
		return nil, observe("active_nodes", fmt.Errorf("active nodes: %w", err))
	}
	sort.Strings(names)
	return names, observe("active_nodes", nil)
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// expire applies the retention period to a finished workflow and its tasks.
func (s *RedisStore) expire(ctx context.Context, id string, taskIDs []string) {
	if s.retention <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyWorkflow(id), s.retention)
	for _, tid := range taskIDs {
		pipe.Expire(ctx, s.keyTask(tid), s.retention)
	}
	_, _ = pipe.Exec(ctx)
}

func workflowFields(rec *types.WorkflowRecord) (map[string]interface{}, error) {
	taskIDs, err := json.Marshal(rec.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal task ids: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	fields := map[string]interface{}{
		"id":                 rec.ID,
		"name":               rec.Name,
		"status":             string(rec.Status),
		"error_strategy":     string(rec.ErrorStrategy),
		"max_parallel_tasks": rec.MaxParallelTasks,
		"total_tasks":        rec.TotalTasks,
		"completed_tasks":    rec.CompletedTasks,
		"failed_tasks":       rec.FailedTasks,
		"task_ids":           string(taskIDs),
		"metadata":           string(metadata),
	}
	// Unset timestamps are omitted so UpdateWorkflowStatus can fill them once.
	for name, t := range map[string]*time.Time{
		"created_at":   &rec.CreatedAt,
		"started_at":   rec.StartedAt,
		"completed_at": rec.CompletedAt,
		"updated_at":   &rec.UpdatedAt,
	} {
		if v := formatTime(t); v != "" {
			fields[name] = v
		}
	}
	return fields, nil
}

func parseWorkflow(f map[string]string) (*types.WorkflowRecord, error) {
	rec := &types.WorkflowRecord{
		ID:            f["id"],
		Name:          f["name"],
		Status:        types.WorkflowStatus(f["status"]),
		ErrorStrategy: types.ErrorStrategy(f["error_strategy"]),
	}
	rec.MaxParallelTasks, _ = strconv.Atoi(f["max_parallel_tasks"])
	rec.TotalTasks, _ = strconv.Atoi(f["total_tasks"])
	rec.CompletedTasks, _ = strconv.Atoi(f["completed_tasks"])
	rec.FailedTasks, _ = strconv.Atoi(f["failed_tasks"])
	if raw := f["task_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.TaskIDs); err != nil {
			return nil, fmt.Errorf("unmarshal task ids: %w", err)
		}
	}
	if raw := f["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if t := parseTime(f["created_at"]); t != nil {
		rec.CreatedAt = *t
	}
	if t := parseTime(f["updated_at"]); t != nil {
		rec.UpdatedAt = *t
	}
	rec.StartedAt = parseTime(f["started_at"])
	rec.CompletedAt = parseTime(f["completed_at"])
	return rec, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
