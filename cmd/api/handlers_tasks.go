package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/httpx"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/stream"
)

type taskRequest struct {
	CompanyID   string `json:"company_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
	AssignedTo  string `json:"assigned_to"`
	DueDate     string `json:"due_date"`
}

func validTaskPriority(p string) bool {
	switch p {
	case "LOW", "MEDIUM", "HIGH", "URGENT":
		return true
	default:
		return false
	}
}

// taskTransitions mirrors the invoice lifecycle shape: forward moves only,
// DONE and CANCELLED are terminal.
var taskTransitions = map[string][]string{
	models.TaskStatusOpen:       {models.TaskStatusInProgress, models.TaskStatusDone, models.TaskStatusCancelled},
	models.TaskStatusInProgress: {models.TaskStatusDone, models.TaskStatusCancelled},
	models.TaskStatusDone:       {},
	models.TaskStatusCancelled:  {},
}

func taskCanTransition(from, to string) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		httpx.Error(w, 400, "title required")
		return
	}
	if req.Priority == "" {
		req.Priority = "MEDIUM"
	}
	if !validTaskPriority(req.Priority) {
		httpx.Error(w, 400, "invalid priority")
		return
	}
	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			httpx.Error(w, 400, "due_date must be YYYY-MM-DD")
			return
		}
		dueDate = &parsed
	}
	if req.CompanyID != "" {
		exists, err := s.activeCompanyExists(r, tenant, req.CompanyID)
		if err != nil {
			log.Printf("create task: company check error: %v", err)
			httpx.Error(w, 500, "failed to create task")
			return
		}
		if !exists {
			httpx.Error(w, 404, "company not found")
			return
		}
	}
	now := time.Now().UTC()
	task := models.Task{
		ID:          newID(),
		TenantID:    tenant,
		CompanyID:   req.CompanyID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusOpen,
		Priority:    req.Priority,
		AssignedTo:  req.AssignedTo,
		DueDate:     dueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.DB.Exec(r.Context(), `
		INSERT INTO tasks
		(id, tenant_id, company_id, title, description, status, priority, assigned_to, due_date, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, task.ID, task.TenantID, nullIfEmpty(task.CompanyID), task.Title, nullIfEmpty(task.Description),
		task.Status, task.Priority, nullIfEmpty(task.AssignedTo), dueDate, now)
	if err != nil {
		log.Printf("create task: insert error: %v", err)
		httpx.Error(w, 500, "failed to create task")
		return
	}
	s.appendAudit(r.Context(), tenant, "task", task.ID, "CREATE", task)
	if task.AssignedTo != "" && s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventTaskAssigned, tenant, map[string]interface{}{
			"task_id":     task.ID,
			"assigned_to": task.AssignedTo,
			"title":       task.Title,
		}))
	}
	httpx.WriteJSON(w, 201, task)
}

const taskColumns = `
	SELECT id, tenant_id, COALESCE(company_id,''), title, COALESCE(description,''),
	       status, priority, COALESCE(assigned_to,''), due_date, completed_at, created_at, updated_at
	FROM tasks
`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.TenantID, &t.CompanyID, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.AssignedTo, &t.DueDate, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	args := []interface{}{tenant}
	query := taskColumns + ` WHERE tenant_id=$1`
	if status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); status != "" {
		args = append(args, status)
		query += ` AND status=$` + itoa(len(args))
	}
	if companyID := strings.TrimSpace(r.URL.Query().Get("company_id")); companyID != "" {
		args = append(args, companyID)
		query += ` AND company_id=$` + itoa(len(args))
	}
	if assignee := strings.TrimSpace(r.URL.Query().Get("assigned_to")); assignee != "" {
		args = append(args, assignee)
		query += ` AND assigned_to=$` + itoa(len(args))
	}
	args = append(args, page.Limit, page.Offset)
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))
	rows, err := s.DB.Query(r.Context(), query, args...)
	if err != nil {
		log.Printf("list tasks: query error: %v", err)
		httpx.Error(w, 500, "failed to list tasks")
		return
	}
	defer rows.Close()
	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Printf("list tasks: scan error: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"tasks":  tasks,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (s *Server) listOverdueTasks(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	page := httpx.ParsePage(r)
	rows, err := s.DB.Query(r.Context(), taskColumns+`
		WHERE tenant_id=$1 AND due_date IS NOT NULL AND due_date < $2
		  AND status IN ('OPEN','IN_PROGRESS')
		ORDER BY due_date ASC LIMIT $3 OFFSET $4
	`, tenant, time.Now().UTC(), page.Limit, page.Offset)
	if err != nil {
		log.Printf("list overdue tasks: query error: %v", err)
		httpx.Error(w, 500, "failed to list tasks")
		return
	}
	defer rows.Close()
	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Printf("list overdue tasks: scan error: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"tasks":  tasks,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	t, err := scanTask(s.DB.QueryRow(r.Context(), taskColumns+` WHERE tenant_id=$1 AND id=$2`, tenant, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "task not found")
			return
		}
		log.Printf("get task: query error: %v", err)
		httpx.Error(w, 500, "failed to load task")
		return
	}
	httpx.WriteJSON(w, 200, t)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req taskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	current, err := scanTask(s.DB.QueryRow(r.Context(), taskColumns+` WHERE tenant_id=$1 AND id=$2`, tenant, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "task not found")
			return
		}
		log.Printf("update task: query error: %v", err)
		httpx.Error(w, 500, "failed to load task")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		req.Title = current.Title
	}
	if req.Priority == "" {
		req.Priority = current.Priority
	}
	if !validTaskPriority(req.Priority) {
		httpx.Error(w, 400, "invalid priority")
		return
	}
	status := current.Status
	if req.Status != "" && req.Status != current.Status {
		req.Status = strings.ToUpper(req.Status)
		if !taskCanTransition(current.Status, req.Status) {
			httpx.Error(w, 409, "invalid status transition "+current.Status+" -> "+req.Status)
			return
		}
		status = req.Status
	}
	dueDate := current.DueDate
	if req.DueDate != "" {
		parsed, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			httpx.Error(w, 400, "due_date must be YYYY-MM-DD")
			return
		}
		dueDate = &parsed
	}
	now := time.Now().UTC()
	completedAt := current.CompletedAt
	if status == models.TaskStatusDone && current.Status != models.TaskStatusDone {
		completedAt = &now
	}
	assignedTo := req.AssignedTo
	if assignedTo == "" {
		assignedTo = current.AssignedTo
	}
	cmd, err := s.DB.Exec(r.Context(), `
		UPDATE tasks
		SET title=$1, description=$2, status=$3, priority=$4, assigned_to=$5,
		    due_date=$6, completed_at=$7, updated_at=$8
		WHERE tenant_id=$9 AND id=$10 AND status=$11
	`, req.Title, nullIfEmpty(req.Description), status, req.Priority, nullIfEmpty(assignedTo),
		dueDate, completedAt, now, tenant, taskID, current.Status)
	if err != nil {
		log.Printf("update task: exec error: %v", err)
		httpx.Error(w, 500, "failed to update task")
		return
	}
	if cmd.RowsAffected() == 0 {
		httpx.Error(w, 409, "task changed concurrently")
		return
	}
	s.appendAudit(r.Context(), tenant, "task", taskID, "UPDATE", req)
	if assignedTo != "" && assignedTo != current.AssignedTo && s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventTaskAssigned, tenant, map[string]interface{}{
			"task_id":     taskID,
			"assigned_to": assignedTo,
			"title":       req.Title,
		}))
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "updated", "id": taskID})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.requestTenant(w, r)
	if !ok {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	cmd, err := s.DB.Exec(r.Context(), `
		DELETE FROM tasks WHERE tenant_id=$1 AND id=$2 AND status IN ('OPEN','CANCELLED')
	`, tenant, taskID)
	if err != nil {
		log.Printf("delete task: exec error: %v", err)
		httpx.Error(w, 500, "failed to delete task")
		return
	}
	if cmd.RowsAffected() == 0 {
		var one int
		err := s.DB.QueryRow(r.Context(), `SELECT 1 FROM tasks WHERE tenant_id=$1 AND id=$2`, tenant, taskID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.Error(w, 404, "task not found")
			return
		}
		httpx.Error(w, 409, "only OPEN or CANCELLED tasks can be deleted")
		return
	}
	s.appendAudit(r.Context(), tenant, "task", taskID, "DELETE", nil)
	httpx.WriteJSON(w, 200, map[string]string{"status": "deleted", "id": taskID})
}
