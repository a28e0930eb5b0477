package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wardenhq/warden/internal/domain/supervision"
)

// --- Supervisors ---

func (s *Store) ListSupervisors(ctx context.Context) ([]supervision.Supervisor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, name, description, created_at
		 FROM supervisors ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list supervisors: %w", err)
	}
	defer rows.Close()

	var sups []supervision.Supervisor
	for rows.Next() {
		sup, err := scanSupervisor(rows)
		if err != nil {
			return nil, err
		}
		sups = append(sups, sup)
	}
	return orEmpty(sups), rows.Err()
}

func (s *Store) GetSupervisor(ctx context.Context, id string) (*supervision.Supervisor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, type, name, description, created_at FROM supervisors WHERE id = $1`, id)

	sup, err := scanSupervisor(row)
	if err != nil {
		return nil, notFoundWrap(err, "get supervisor %s", id)
	}
	return &sup, nil
}

func (s *Store) CreateSupervisor(ctx context.Context, sup supervision.Supervisor) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supervisors (id, type, name, description) VALUES ($1, $2, $3, $4)`,
		sup.ID, sup.Type, sup.Name, sup.Description)
	if err != nil {
		return fmt.Errorf("create supervisor %s: %w", sup.ID, err)
	}
	return nil
}

func scanSupervisor(row scannable) (supervision.Supervisor, error) {
	var sup supervision.Supervisor
	err := row.Scan(&sup.ID, &sup.Type, &sup.Name, &sup.Description, &sup.CreatedAt)
	return sup, err
}

// --- Chains ---

func (s *Store) GetChain(ctx context.Context, id string) (*supervision.Chain, error) {
	var c supervision.Chain
	err := s.pool.QueryRow(ctx,
		`SELECT id, tool_id, created_at FROM chains WHERE id = $1`, id).
		Scan(&c.ID, &c.ToolID, &c.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get chain %s", id)
	}

	c.Supervisors, err = s.chainSupervisors(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListChainsForTool(ctx context.Context, toolID string) ([]supervision.Chain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tool_id, created_at FROM chains WHERE tool_id = $1 ORDER BY created_at`, toolID)
	if err != nil {
		return nil, fmt.Errorf("list chains for tool %s: %w", toolID, err)
	}
	defer rows.Close()

	var chains []supervision.Chain
	for rows.Next() {
		var c supervision.Chain
		if err := rows.Scan(&c.ID, &c.ToolID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chains {
		chains[i].Supervisors, err = s.chainSupervisors(ctx, chains[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return orEmpty(chains), nil
}

func (s *Store) CreateChain(ctx context.Context, c supervision.Chain) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create chain: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO chains (id, tool_id) VALUES ($1, $2)`, c.ID, c.ToolID); err != nil {
		return fmt.Errorf("create chain %s: %w", c.ID, err)
	}
	for i, sup := range c.Supervisors {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chain_supervisors (chain_id, supervisor_id, position) VALUES ($1, $2, $3)`,
			c.ID, sup.ID, i+1); err != nil {
			return fmt.Errorf("create chain %s position %d: %w", c.ID, i+1, err)
		}
	}
	return tx.Commit(ctx)
}

// chainSupervisors loads a chain's supervisors ordered by position.
func (s *Store) chainSupervisors(ctx context.Context, chainID string) ([]supervision.Supervisor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sup.id, sup.type, sup.name, sup.description, sup.created_at
		 FROM chain_supervisors cs
		 JOIN supervisors sup ON sup.id = cs.supervisor_id
		 WHERE cs.chain_id = $1 ORDER BY cs.position`, chainID)
	if err != nil {
		return nil, fmt.Errorf("chain %s supervisors: %w", chainID, err)
	}
	defer rows.Close()

	var sups []supervision.Supervisor
	for rows.Next() {
		sup, err := scanSupervisor(rows)
		if err != nil {
			return nil, err
		}
		sups = append(sups, sup)
	}
	return sups, rows.Err()
}

// --- Request groups ---

func (s *Store) CreateRequestGroup(ctx context.Context, g supervision.RequestGroup) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create request group: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO request_groups (id, run_id) VALUES ($1, $2)`, g.ID, g.RunID); err != nil {
		return fmt.Errorf("create request group %s: %w", g.ID, err)
	}
	for _, tr := range g.ToolRequests {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tool_requests (id, request_group_id, tool_id, name, arguments, task_state)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			tr.ID, g.ID, tr.ToolID, tr.Name, tr.Arguments, tr.TaskState); err != nil {
			return fmt.Errorf("create tool request %s: %w", tr.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRequestGroup(ctx context.Context, id string) (*supervision.RequestGroup, error) {
	var g supervision.RequestGroup
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, created_at FROM request_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.RunID, &g.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get request group %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tool_id, name, arguments, task_state, created_at
		 FROM tool_requests WHERE request_group_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("request group %s tool requests: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var tr supervision.ToolRequest
		if err := rows.Scan(&tr.ID, &tr.ToolID, &tr.Name, &tr.Arguments, &tr.TaskState, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool request: %w", err)
		}
		g.ToolRequests = append(g.ToolRequests, tr)
	}
	return &g, rows.Err()
}

func (s *Store) ListRequestGroups(ctx context.Context, runID string) ([]supervision.RequestGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, created_at FROM request_groups
		 WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list request groups for run %s: %w", runID, err)
	}
	defer rows.Close()

	var groups []supervision.RequestGroup
	for rows.Next() {
		var g supervision.RequestGroup
		if err := rows.Scan(&g.ID, &g.RunID, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		full, err := s.GetRequestGroup(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i] = *full
	}
	return orEmpty(groups), nil
}

// --- Chain executions ---

func (s *Store) CreateChainExecution(ctx context.Context, ex supervision.ChainExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chain_executions (id, chain_id, request_group_id, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ex.ID, ex.ChainID, ex.RequestGroupID, ex.RunID, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("create chain execution %s: %w", ex.ID, err)
	}
	return nil
}

func (s *Store) ListChainExecutions(ctx context.Context, runID string) ([]supervision.ChainExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chain_id, request_group_id, run_id, created_at
		 FROM chain_executions WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list chain executions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var execs []supervision.ChainExecution
	for rows.Next() {
		var ex supervision.ChainExecution
		if err := rows.Scan(&ex.ID, &ex.ChainID, &ex.RequestGroupID, &ex.RunID, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chain execution: %w", err)
		}
		execs = append(execs, ex)
	}
	return orEmpty(execs), rows.Err()
}

// --- Supervision requests ---

func (s *Store) CreateSupervisionRequest(ctx context.Context, req supervision.SupervisionRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supervision_requests
		   (id, chain_execution_id, supervisor_id, supervisor_type, position_in_chain, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.ChainExecutionID, req.SupervisorID, req.SupervisorType,
		req.PositionInChain, req.Status, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("create supervision request %s: %w", req.ID, err)
	}
	return nil
}

func (s *Store) GetSupervisionRequest(ctx context.Context, id string) (*supervision.SupervisionRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, chain_execution_id, supervisor_id, supervisor_type, position_in_chain, status, created_at
		 FROM supervision_requests WHERE id = $1`, id)

	var req supervision.SupervisionRequest
	err := row.Scan(&req.ID, &req.ChainExecutionID, &req.SupervisorID, &req.SupervisorType,
		&req.PositionInChain, &req.Status, &req.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get supervision request %s", id)
	}
	return &req, nil
}

func (s *Store) UpdateSupervisionRequestStatus(ctx context.Context, id string, status supervision.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE supervision_requests SET status = $2 WHERE id = $1`, id, status)
	return execExpectOne(tag, err, "update supervision request %s status", id)
}

// --- Supervision results ---

func (s *Store) CreateSupervisionResult(ctx context.Context, res supervision.SupervisionResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supervision_results
		   (id, supervision_request_id, decision, reasoning, chosen_toolrequest_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.SupervisionRequestID, res.Decision, res.Reasoning,
		nullIfEmpty(res.ChosenToolRequestID), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("create supervision result %s: %w", res.ID, err)
	}
	return nil
}

func (s *Store) ListSupervisionResults(ctx context.Context, chainExecutionID string) ([]supervision.SupervisionResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT res.id, res.supervision_request_id, res.decision, res.reasoning,
		        COALESCE(res.chosen_toolrequest_id::text, ''), res.created_at
		 FROM supervision_results res
		 JOIN supervision_requests req ON req.id = res.supervision_request_id
		 WHERE req.chain_execution_id = $1
		 ORDER BY req.position_in_chain`, chainExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list results for execution %s: %w", chainExecutionID, err)
	}
	defer rows.Close()

	var results []supervision.SupervisionResult
	for rows.Next() {
		var res supervision.SupervisionResult
		err := rows.Scan(&res.ID, &res.SupervisionRequestID, &res.Decision,
			&res.Reasoning, &res.ChosenToolRequestID, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan supervision result: %w", err)
		}
		results = append(results, res)
	}
	return orEmpty(results), rows.Err()
}

func (s *Store) ListResultsBySupervisorType(ctx context.Context, t supervision.SupervisorType, limit int) ([]supervision.SupervisionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT res.id, res.supervision_request_id, res.decision, res.reasoning,
		        COALESCE(res.chosen_toolrequest_id::text, ''), res.created_at
		 FROM supervision_results res
		 JOIN supervision_requests req ON req.id = res.supervision_request_id
		 WHERE req.supervisor_type = $1
		 ORDER BY res.created_at DESC
		 LIMIT $2`, t, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s results: %w", t, err)
	}
	defer rows.Close()

	var results []supervision.SupervisionResult
	for rows.Next() {
		var res supervision.SupervisionResult
		err := rows.Scan(&res.ID, &res.SupervisionRequestID, &res.Decision,
			&res.Reasoning, &res.ChosenToolRequestID, &res.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan supervision result: %w", err)
		}
		results = append(results, res)
	}
	return orEmpty(results), rows.Err()
}

func (s *Store) GetSupervisionResult(ctx context.Context, requestID string) (*supervision.SupervisionResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, supervision_request_id, decision, reasoning,
		        COALESCE(chosen_toolrequest_id::text, ''), created_at
		 FROM supervision_results WHERE supervision_request_id = $1`, requestID)

	var res supervision.SupervisionResult
	err := row.Scan(&res.ID, &res.SupervisionRequestID, &res.Decision,
		&res.Reasoning, &res.ChosenToolRequestID, &res.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get result for request %s", requestID)
	}
	return &res, nil
}

// --- Outcomes ---

func (s *Store) RecordOutcome(ctx context.Context, out supervision.Outcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcomes
		   (request_group_id, chain_execution_id, run_id, decision, chosen_toolrequest_id, feedback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		out.RequestGroupID, out.ChainExecutionID, out.RunID, out.Decision,
		nullIfEmpty(out.ChosenToolRequestID), out.Feedback, out.CreatedAt)
	if err != nil {
		return fmt.Errorf("record outcome for execution %s: %w", out.ChainExecutionID, err)
	}
	return nil
}

// --- Reviewer prompt ---

const reviewerPromptKey = "reviewer_prompt"

func (s *Store) GetReviewerPrompt(ctx context.Context) (string, error) {
	var prompt string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, reviewerPromptKey).Scan(&prompt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get reviewer prompt: %w", err)
	}
	return prompt, nil
}

func (s *Store) SetReviewerPrompt(ctx context.Context, prompt string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		reviewerPromptKey, prompt)
	if err != nil {
		return fmt.Errorf("set reviewer prompt: %w", err)
	}
	return nil
}
