package toolapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mahavishnu-ai/mahavishnu/runtime/aggregator"
	"github.com/mahavishnu-ai/mahavishnu/runtime/bus"
	"github.com/mahavishnu-ai/mahavishnu/runtime/memory"
	"github.com/mahavishnu-ai/mahavishnu/runtime/memory/inmem"
	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/pool"
	"github.com/mahavishnu-ai/mahavishnu/runtime/router"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
	"github.com/mahavishnu-ai/mahavishnu/runtime/worker"
)

type (
	// Service wires the kernel components behind the tool endpoints.
	Service struct {
		pools   *pool.Manager
		workers *worker.Manager
		router  *router.Router
		agg     *aggregator.Aggregator
		bus     *bus.Bus

		now       func() time.Time
		newMemory func() memory.Store
	}

	// ServiceOption customizes a Service.
	ServiceOption func(*Service)

	// taskParams is the wire shape of a task in tool parameters.
	taskParams struct {
		Kind            string         `json:"kind"`
		Payload         string         `json:"payload"`
		Params          map[string]any `json:"params"`
		Priority        string         `json:"priority"`
		DeadlineSeconds float64        `json:"deadline_seconds"`
		PoolKind        string         `json:"pool_kind"`
		AffinityKey     string         `json:"affinity_key"`
	}

	// resultView is the wire shape of a task result.
	resultView struct {
		TaskID          string  `json:"task_id"`
		WorkerID        string  `json:"worker_id,omitempty"`
		Status          string  `json:"status"`
		Artifact        string  `json:"artifact,omitempty"`
		StderrTail      string  `json:"stderr_tail,omitempty"`
		DurationSeconds float64 `json:"duration_seconds"`
		FramesConsumed  int     `json:"frames_consumed"`
	}

	// poolView is the wire shape of a pool summary.
	poolView struct {
		PoolID string  `json:"pool_id"`
		Kind   string  `json:"kind"`
		Size   int     `json:"current_size"`
		Max    int     `json:"max_workers"`
		Health string  `json:"health"`
		Load   float64 `json:"load"`
	}

	// workerView is the wire shape of a worker summary.
	workerView struct {
		WorkerID      string `json:"worker_id"`
		Kind          string `json:"kind"`
		State         string `json:"state"`
		CurrentTaskID string `json:"current_task_id,omitempty"`
		SpawnedAt     string `json:"spawned_at"`
	}

	// messageView is the wire shape of a bus message.
	messageView struct {
		MessageID  string            `json:"message_id"`
		From       string            `json:"from"`
		To         string            `json:"to"`
		Subject    string            `json:"subject"`
		Body       string            `json:"body"`
		Priority   string            `json:"priority"`
		Status     string            `json:"status"`
		Timestamp  string            `json:"timestamp"`
		Context    map[string]string `json:"context,omitempty"`
		InReplyTo  string            `json:"in_reply_to,omitempty"`
		WorkflowID string            `json:"workflow_id,omitempty"`
	}

	// candidateView is the wire shape of a memory search candidate.
	candidateView struct {
		Score      float64           `json:"score"`
		ArtifactID string            `json:"artifact_id"`
		PoolID     string            `json:"pool_id"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	}
)

// WithMemoryFactory sets the memory store factory used for pools created
// through pool.spawn. Defaults to the in-process store.
func WithMemoryFactory(factory func() memory.Store) ServiceOption {
	return func(s *Service) { s.newMemory = factory }
}

// NewService constructs the tool service over the kernel components.
func NewService(pools *pool.Manager, workers *worker.Manager, rt *router.Router, agg *aggregator.Aggregator, b *bus.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		pools:     pools,
		workers:   workers,
		router:    rt,
		agg:       agg,
		bus:       b,
		now:       time.Now,
		newMemory: func() memory.Store { return inmem.New() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds every kernel endpoint to the registrar.
func (s *Service) Register(r *Registrar) error {
	endpoints := []Endpoint{
		{
			Name:         "pool.spawn",
			Description:  "Create a worker pool and scale it to its minimum size.",
			ParamsSchema: []byte(poolSpawnSchema),
			Handler:      s.poolSpawn,
		},
		{
			Name:         "pool.execute",
			Description:  "Execute a task on a named pool.",
			ParamsSchema: []byte(poolExecuteSchema),
			Handler:      s.poolExecute,
		},
		{
			Name:         "pool.route_execute",
			Description:  "Route a task to a pool by strategy, then execute it.",
			ParamsSchema: []byte(routeExecuteSchema),
			Handler:      s.poolRouteExecute,
		},
		{
			Name:         "pool.scale",
			Description:  "Resize a pool toward a target worker count.",
			ParamsSchema: []byte(poolScaleSchema),
			Handler:      s.poolScale,
		},
		{
			Name:         "pool.close",
			Description:  "Drain and destroy a pool.",
			ParamsSchema: []byte(poolIDSchema),
			Handler:      s.poolClose,
		},
		{
			Name:        "pool.close_all",
			Description: "Drain and destroy every pool.",
			Handler:     s.poolCloseAll,
		},
		{
			Name:        "pool.list",
			Description: "List registered pools.",
			Handler:     s.poolList,
		},
		{
			Name:         "pool.health",
			Description:  "Report one pool's aggregate health.",
			ParamsSchema: []byte(poolIDSchema),
			Handler:      s.poolHealth,
		},
		{
			Name:         "pool.memory_search",
			Description:  "Search pool memories and merge the rankings.",
			ParamsSchema: []byte(memorySearchSchema),
			Handler:      s.poolMemorySearch,
		},
		{
			Name:         "worker.spawn",
			Description:  "Spawn a standalone worker.",
			ParamsSchema: []byte(workerSpawnSchema),
			Handler:      s.workerSpawn,
		},
		{
			Name:         "worker.execute",
			Description:  "Execute a task on a named worker.",
			ParamsSchema: []byte(workerExecuteSchema),
			Handler:      s.workerExecute,
		},
		{
			Name:         "worker.execute_batch",
			Description:  "Execute tasks sequentially on a named worker.",
			ParamsSchema: []byte(workerExecuteBatchSchema),
			Handler:      s.workerExecuteBatch,
		},
		{
			Name:        "worker.list",
			Description: "List registered workers.",
			Handler:     s.workerList,
		},
		{
			Name:         "worker.close",
			Description:  "Close a worker and release its resources.",
			ParamsSchema: []byte(workerIDSchema),
			Handler:      s.workerClose,
		},
		{
			Name:        "worker.close_all",
			Description: "Close every registered worker.",
			Handler:     s.workerCloseAll,
		},
		{
			Name:         "msg.send",
			Description:  "Send a signed message to a repository endpoint.",
			ParamsSchema: []byte(msgSendSchema),
			Handler:      s.msgSend,
		},
		{
			Name:         "msg.list",
			Description:  "List a repository's messages, priority-ordered.",
			ParamsSchema: []byte(msgListSchema),
			Handler:      s.msgList,
		},
		{
			Name:         "msg.ack",
			Description:  "Acknowledge a message status transition.",
			ParamsSchema: []byte(msgAckSchema),
			Handler:      s.msgAck,
		},
		{
			Name:         "msg.forward",
			Description:  "Forward a message's canonical form to another repository.",
			ParamsSchema: []byte(msgForwardSchema),
			Handler:      s.msgForward,
		},
		{
			Name:         "msg.broadcast",
			Description:  "Send the same message to several repositories.",
			ParamsSchema: []byte(msgBroadcastSchema),
			Handler:      s.msgBroadcast,
		},
	}
	for _, ep := range endpoints {
		if err := r.Register(ep); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) poolSpawn(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		PoolID     string   `json:"pool_id"`
		Kind       string   `json:"kind"`
		Min        int      `json:"min"`
		Max        int      `json:"max"`
		Strategy   string   `json:"strategy"`
		QueueDepth int      `json:"queue_depth"`
		Command    []string `json:"command"`
		Image      string   `json:"image"`
		Peer       string   `json:"peer"`
		Priority   int      `json:"priority"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	cfg := pool.Config{
		ID:         in.PoolID,
		Kind:       task.PoolKind(in.Kind),
		MinWorkers: in.Min,
		MaxWorkers: in.Max,
		Strategy:   pool.Strategy(in.Strategy),
		QueueDepth: in.QueueDepth,
		Priority:   in.Priority,
		Memory:     s.newMemory(),
		WorkerSpec: worker.LaunchSpec{
			Command: in.Command,
			Image:   in.Image,
			Peer:    in.Peer,
		},
	}
	p, err := s.pools.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pool_id": p.ID(), "current_size": p.Size()}, nil
}

func (s *Service) poolExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		PoolID string     `json:"pool_id"`
		Task   taskParams `json:"task"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	p, ok := s.pools.Get(in.PoolID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindNoPoolAvailable, "unknown pool %q", in.PoolID)
	}
	t := s.buildTask(in.Task)
	result, err := p.Execute(ctx, t)
	if err != nil {
		return nil, err
	}
	return viewResult(result), nil
}

func (s *Service) poolRouteExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Strategy string     `json:"strategy"`
		Task     taskParams `json:"task"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	t := s.buildTask(in.Task)
	catalog := s.pools.List()
	var (
		p   *pool.Pool
		err error
	)
	if in.Strategy != "" {
		p, err = s.router.RouteWith(router.Strategy(in.Strategy), t, catalog)
	} else {
		p, err = s.router.Route(t, catalog)
	}
	if err != nil {
		return nil, err
	}
	result, err := p.Execute(ctx, t)
	if err != nil {
		return nil, err
	}
	out := viewResult(result)
	return map[string]any{"pool_id": p.ID(), "result": out}, nil
}

func (s *Service) poolScale(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		PoolID string `json:"pool_id"`
		Target int    `json:"target"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	p, ok := s.pools.Get(in.PoolID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindNoPoolAvailable, "unknown pool %q", in.PoolID)
	}
	actual, err := p.Scale(ctx, in.Target)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pool_id": p.ID(), "actual": actual}, nil
}

func (s *Service) poolClose(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		PoolID string `json:"pool_id"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if err := s.pools.Close(ctx, in.PoolID); err != nil {
		return nil, err
	}
	return map[string]any{"pool_id": in.PoolID, "closed": true}, nil
}

func (s *Service) poolCloseAll(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.pools.CloseAll(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

func (s *Service) poolList(ctx context.Context, _ json.RawMessage) (any, error) {
	pools := s.pools.List()
	views := make([]poolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, viewPool(p))
	}
	return views, nil
}

func (s *Service) poolHealth(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		PoolID string `json:"pool_id"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	p, ok := s.pools.Get(in.PoolID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindNoPoolAvailable, "unknown pool %q", in.PoolID)
	}
	return viewPool(p), nil
}

func (s *Service) poolMemorySearch(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Query string   `json:"query"`
		K     int      `json:"k"`
		Pools []string `json:"pools"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	resp, err := s.agg.Search(ctx, in.Query, in.K, in.Pools)
	if err != nil {
		return nil, err
	}
	candidates := make([]candidateView, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		candidates = append(candidates, candidateView{
			Score:      c.Score,
			ArtifactID: c.ArtifactID,
			PoolID:     c.PoolID,
			Metadata:   c.Metadata,
		})
	}
	return map[string]any{"candidates": candidates, "failures": resp.Failures}, nil
}

func (s *Service) workerSpawn(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Kind             string   `json:"kind"`
		Command          []string `json:"command"`
		Env              []string `json:"env"`
		Image            string   `json:"image"`
		ContainerCommand []string `json:"container_command"`
		Peer             string   `json:"peer"`
		SnapshotSeconds  float64  `json:"snapshot_interval_seconds"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	spec := worker.LaunchSpec{
		Command:          in.Command,
		Env:              in.Env,
		Image:            in.Image,
		ContainerCommand: in.ContainerCommand,
		Peer:             in.Peer,
		SnapshotInterval: time.Duration(in.SnapshotSeconds * float64(time.Second)),
	}
	w, err := s.workers.Spawn(ctx, worker.Kind(in.Kind), spec)
	if err != nil {
		return nil, err
	}
	return viewWorker(w), nil
}

func (s *Service) workerExecute(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		WorkerID string     `json:"worker_id"`
		Task     taskParams `json:"task"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	w, ok := s.workers.Get(in.WorkerID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown worker %q", in.WorkerID)
	}
	result, err := s.workers.Execute(ctx, w, s.buildTask(in.Task))
	if err != nil {
		return nil, err
	}
	return viewResult(result), nil
}

func (s *Service) workerExecuteBatch(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		WorkerID string       `json:"worker_id"`
		Tasks    []taskParams `json:"tasks"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	w, ok := s.workers.Get(in.WorkerID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown worker %q", in.WorkerID)
	}
	type entry struct {
		Result *resultView `json:"result,omitempty"`
		Error  string      `json:"error,omitempty"`
	}
	entries := make([]entry, 0, len(in.Tasks))
	for _, tp := range in.Tasks {
		result, err := s.workers.Execute(ctx, w, s.buildTask(tp))
		if err != nil {
			entries = append(entries, entry{Error: err.Error()})
			continue
		}
		v := viewResult(result)
		entries = append(entries, entry{Result: &v})
	}
	return entries, nil
}

func (s *Service) workerList(ctx context.Context, _ json.RawMessage) (any, error) {
	workers := s.workers.List()
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, viewWorker(w))
	}
	return views, nil
}

func (s *Service) workerClose(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	w, ok := s.workers.Get(in.WorkerID)
	if !ok {
		return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown worker %q", in.WorkerID)
	}
	if err := s.workers.Close(ctx, w); err != nil {
		return nil, err
	}
	return map[string]any{"worker_id": in.WorkerID, "closed": true}, nil
}

func (s *Service) workerCloseAll(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := s.workers.CloseAll(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

func (s *Service) msgSend(ctx context.Context, params json.RawMessage) (any, error) {
	in, err := decodeSend(params)
	if err != nil {
		return nil, err
	}
	id, err := s.bus.Send(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": id}, nil
}

func (s *Service) msgList(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		Repo     string `json:"repo"`
		Status   string `json:"status"`
		Priority string `json:"priority"`
		Sender   string `json:"sender"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	var filter bus.Filter
	if in.Status != "" {
		status := bus.Status(in.Status)
		if !bus.ValidStatus(status) {
			return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown status %q", in.Status)
		}
		filter.Status = &status
	}
	if in.Priority != "" {
		priority, ok := task.ParsePriority(in.Priority)
		if !ok {
			return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown priority %q", in.Priority)
		}
		filter.Priority = &priority
	}
	filter.Sender = in.Sender

	messages, err := s.bus.List(ctx, in.Repo, filter)
	if err != nil {
		return nil, err
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, viewMessage(m))
	}
	return views, nil
}

func (s *Service) msgAck(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if err := s.bus.Acknowledge(ctx, in.MessageID, bus.Status(in.Status)); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": in.MessageID, "status": in.Status}, nil
}

func (s *Service) msgForward(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		MessageID string `json:"message_id"`
		To        string `json:"to"`
		Prepend   string `json:"prepend"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	id, err := s.bus.Forward(ctx, in.MessageID, in.To, in.Prepend)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": id}, nil
}

func (s *Service) msgBroadcast(ctx context.Context, params json.RawMessage) (any, error) {
	var in struct {
		From       string            `json:"from"`
		Recipients []string          `json:"recipients"`
		Subject    string            `json:"subject"`
		Body       string            `json:"body"`
		Priority   string            `json:"priority"`
		Context    map[string]string `json:"context"`
		WorkflowID string            `json:"workflow_id"`
	}
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	priority := task.PriorityNormal
	if in.Priority != "" {
		var ok bool
		if priority, ok = task.ParsePriority(in.Priority); !ok {
			return nil, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown priority %q", in.Priority)
		}
	}
	result := s.bus.Broadcast(ctx, bus.SendInput{
		From:       in.From,
		Subject:    in.Subject,
		Body:       in.Body,
		Priority:   priority,
		Context:    in.Context,
		WorkflowID: in.WorkflowID,
	}, in.Recipients)

	failures := make(map[string]string, len(result.Errors))
	for repo, err := range result.Errors {
		failures[repo] = err.Error()
	}
	return map[string]any{"message_ids": result.MessageIDs, "failures": failures}, nil
}

// buildTask converts wire task parameters into a Task. Relative deadlines
// resolve against the service clock at build time.
func (s *Service) buildTask(tp taskParams) *task.Task {
	t := task.New(task.Kind(tp.Kind), []byte(tp.Payload))
	t.Params = tp.Params
	t.RequestedPoolKind = task.PoolKind(tp.PoolKind)
	t.AffinityKey = tp.AffinityKey
	if tp.Priority != "" {
		if priority, ok := task.ParsePriority(tp.Priority); ok {
			t.Priority = priority
		}
	}
	if tp.DeadlineSeconds > 0 {
		t.Deadline = s.now().Add(time.Duration(tp.DeadlineSeconds * float64(time.Second)))
	}
	return t
}

func viewResult(r *task.Result) resultView {
	return resultView{
		TaskID:          r.TaskID,
		WorkerID:        r.WorkerID,
		Status:          string(r.Status),
		Artifact:        string(r.Artifact),
		StderrTail:      r.StderrTail,
		DurationSeconds: r.Duration.Seconds(),
		FramesConsumed:  r.FramesConsumed,
	}
}

func viewPool(p *pool.Pool) poolView {
	return poolView{
		PoolID: p.ID(),
		Kind:   string(p.Kind()),
		Size:   p.Size(),
		Max:    p.MaxWorkers(),
		Health: string(p.Health()),
		Load:   p.Load(),
	}
}

func viewWorker(w *worker.Worker) workerView {
	return workerView{
		WorkerID:      w.ID(),
		Kind:          string(w.Kind()),
		State:         string(w.State()),
		CurrentTaskID: w.CurrentTaskID(),
		SpawnedAt:     w.SpawnTime().UTC().Format(time.RFC3339),
	}
}

func viewMessage(m *bus.Message) messageView {
	return messageView{
		MessageID:  m.ID,
		From:       m.From,
		To:         m.To,
		Subject:    m.Subject,
		Body:       m.Body,
		Priority:   m.Priority.String(),
		Status:     string(m.Status),
		Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
		Context:    m.Context,
		InReplyTo:  m.InReplyTo,
		WorkflowID: m.WorkflowID,
	}
}

func decodeSend(params json.RawMessage) (bus.SendInput, error) {
	var in struct {
		From       string            `json:"from"`
		To         string            `json:"to"`
		Subject    string            `json:"subject"`
		Body       string            `json:"body"`
		Priority   string            `json:"priority"`
		Context    map[string]string `json:"context"`
		InReplyTo  string            `json:"in_reply_to"`
		WorkflowID string            `json:"workflow_id"`
	}
	if err := decode(params, &in); err != nil {
		return bus.SendInput{}, err
	}
	priority := task.PriorityNormal
	if in.Priority != "" {
		var ok bool
		if priority, ok = task.ParsePriority(in.Priority); !ok {
			return bus.SendInput{}, orcerrors.Newf(orcerrors.KindInvalidArgument, "unknown priority %q", in.Priority)
		}
	}
	return bus.SendInput{
		From:       in.From,
		To:         in.To,
		Subject:    in.Subject,
		Body:       in.Body,
		Priority:   priority,
		Context:    in.Context,
		InReplyTo:  in.InReplyTo,
		WorkflowID: in.WorkflowID,
	}, nil
}

// decode unmarshals already-validated parameters into the handler's input
// struct.
func decode(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return orcerrors.Wrap(orcerrors.KindInvalidArgument, "decode parameters", err)
	}
	return nil
}
