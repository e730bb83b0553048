package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shareloop/shareloop/internal/apperr"
	"github.com/shareloop/shareloop/internal/audit"
	"github.com/shareloop/shareloop/internal/lifecycle"
	"github.com/shareloop/shareloop/internal/model"
)

// ListDriverTasks returns the calling driver's tasks, newest first.
func (s *Service) ListDriverTasks(ctx context.Context, actor model.Actor, limit int) ([]*model.DeliveryTask, error) {
	if !actor.HasAnyRole(model.RoleDriver, model.RoleOperator) {
		return nil, apperr.Authorization("only drivers may list delivery tasks")
	}
	return s.repos.Tasks.QueryByOwner(ctx, actor.UserID, limit)
}

// GetTask returns a task readable by its driver, the match parties, or
// privileged roles.
func (s *Service) GetTask(ctx context.Context, actor model.Actor, id uuid.UUID) (*model.DeliveryTask, error) {
	task, err := s.repos.Tasks.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeTask(ctx, actor, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) authorizeTask(ctx context.Context, actor model.Actor, task *model.DeliveryTask) error {
	if task.DriverID != nil && *task.DriverID == actor.UserID {
		return nil
	}
	if actor.HasAnyRole(model.RoleOperator, model.RoleCompliance) {
		return nil
	}
	m, ok, err := s.repos.Matches.Get(ctx, task.MatchID)
	if err != nil {
		return err
	}
	if ok && (m.SupplierID == actor.UserID || m.RecipientID == actor.UserID) {
		return nil
	}
	return apperr.Authorization("not a party to this delivery task")
}

// AssignDriver sets or replaces the driver on a scheduled task.
func (s *Service) AssignDriver(ctx context.Context, actor model.Actor, taskID, driverID uuid.UUID) (*model.DeliveryTask, error) {
	if !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only operators may assign drivers")
	}
	task, err := s.repos.Tasks.GetOrFail(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsTerminal(task.Status) {
		return nil, apperr.InvalidTransition("task is %s", task.Status)
	}

	driver, err := s.repos.Profiles.GetOrFail(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !driver.HasRole(model.RoleDriver) {
		return nil, apperr.Validation("user %s is not a driver", driverID)
	}

	before := *task
	task.DriverID = &driverID
	saved, err := s.repos.Tasks.Put(ctx, task)
	if err != nil {
		return nil, mapStoreErr(err, "task", taskID)
	}

	s.record(ctx, audit.Entry{
		EntityType: model.TypeTask,
		EntityID:   taskID,
		Actor:      actor,
		Action:     "task_assign_driver",
		Before:     &before,
		After:      saved,
	})
	if err := s.notifier.Notify(ctx, driverID, model.NotifyTaskScheduled, "Delivery scheduled",
		fmt.Sprintf("Pickup scheduled for %s", task.ScheduledPickupAt.Format(time.RFC3339)), taskID); err != nil {
		s.logger.Warn("service: notify driver", "task", taskID, "error", err)
	}
	return saved, nil
}

// UpdateTaskStatus advances a task through its delivery lifecycle. Drivers
// may only move their own tasks; the match tracks the task's status.
func (s *Service) UpdateTaskStatus(ctx context.Context, actor model.Actor, id uuid.UUID, req model.TaskStatusRequest) (*model.DeliveryTask, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	task, err := s.repos.Tasks.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	isAssignedDriver := task.DriverID != nil && *task.DriverID == actor.UserID
	if !isAssignedDriver && !actor.HasAnyRole(model.RoleOperator) {
		return nil, apperr.Authorization("only the assigned driver may update this task")
	}

	role := actingRole(actor, model.RoleDriver, model.RoleOperator)
	if !isAssignedDriver && role == model.RoleDriver {
		role = actingRole(actor, model.RoleOperator)
	}
	var justification string
	if req.Justification != nil {
		justification = *req.Justification
	}
	if err := lifecycle.Transition(task.Status, req.Status, role, lifecycle.Context{Justification: justification}); err != nil {
		return nil, err
	}

	before := *task
	now := time.Now().UTC()
	task.Status = req.Status
	switch req.Status {
	case model.StatusPickedUp:
		task.ActualPickupAt = &now
	case model.StatusDelivered:
		task.ActualDeliveryAt = &now
	}
	if req.Location != nil {
		task.CurrentLocation = req.Location
	}

	saved, err := s.repos.Tasks.Put(ctx, task)
	if err != nil {
		return nil, mapStoreErr(err, "task", id)
	}

	s.syncMatchStatus(ctx, actor, saved, role)
	s.bumpDeliveryStats(ctx, saved, req.Status)

	s.record(ctx, audit.Entry{
		EntityType:    model.TypeTask,
		EntityID:      id,
		Actor:         actor,
		ActorRole:     role,
		Action:        "task_status",
		Before:        &before,
		After:         saved,
		Justification: justification,
	})
	s.emit(ctx, model.EventTaskStatusChanged, model.TypeTask, id, ptr(actor.UserID),
		model.StatusChangedPayload{From: before.Status, To: req.Status, Justification: justification})
	s.notifyParties(ctx, saved, req.Status)
	return saved, nil
}

// syncMatchStatus mirrors a task transition onto the match and, transitively,
// the listing and demand. Failures are logged; the task write has committed.
func (s *Service) syncMatchStatus(ctx context.Context, actor model.Actor, task *model.DeliveryTask, role model.Role) {
	m, ok, err := s.repos.Matches.Get(ctx, task.MatchID)
	if err != nil || !ok {
		s.logger.Warn("service: load match for task sync", "task", task.ID, "match", task.MatchID, "error", err)
		return
	}
	if m.Status == task.Status {
		return
	}
	if !lifecycle.CanTransition(m.Status, task.Status, role) {
		s.logger.Warn("service: match cannot follow task",
			"match", m.ID, "from", m.Status, "to", task.Status)
		return
	}
	m.Status = task.Status
	if _, err := s.repos.Matches.Put(ctx, m); err != nil {
		s.logger.Warn("service: sync match status", "match", m.ID, "error", err)
		return
	}
	if err := s.propagateStatus(ctx, actor, m, task.Status, role); err != nil {
		s.logger.Warn("service: propagate task status", "match", m.ID, "error", err)
	}
}

// bumpDeliveryStats increments lifetime delivery counters on every
// participant's profile when a task reaches a terminal outcome. Best-effort;
// a write conflict means a concurrent update already landed.
func (s *Service) bumpDeliveryStats(ctx context.Context, task *model.DeliveryTask, status model.EntityStatus) {
	if status != model.StatusDelivered && status != model.StatusFailed {
		return
	}
	var ids []uuid.UUID
	if task.DriverID != nil {
		ids = append(ids, *task.DriverID)
	}
	if m, ok, err := s.repos.Matches.Get(ctx, task.MatchID); err == nil && ok {
		ids = append(ids, m.SupplierID, m.RecipientID)
	}
	for _, userID := range ids {
		p, ok, err := s.repos.Profiles.Get(ctx, userID)
		if err != nil || !ok {
			continue
		}
		if status == model.StatusDelivered {
			p.DeliveriesDone++
		} else {
			p.DeliveriesFailed++
		}
		if _, err := s.repos.Profiles.Put(ctx, p); err != nil {
			s.logger.Warn("service: bump delivery stats", "user", userID, "task", task.ID, "error", err)
		}
	}
}

// notifyParties tells the supplier and recipient about task progress.
func (s *Service) notifyParties(ctx context.Context, task *model.DeliveryTask, status model.EntityStatus) {
	m, ok, err := s.repos.Matches.Get(ctx, task.MatchID)
	if err != nil || !ok {
		return
	}
	msg := fmt.Sprintf("Delivery task is now %s", status)
	for _, userID := range []uuid.UUID{m.SupplierID, m.RecipientID} {
		if err := s.notifier.Notify(ctx, userID, model.NotifyTaskStatus, "Delivery update", msg, task.ID); err != nil {
			s.logger.Warn("service: notify party", "task", task.ID, "user", userID, "error", err)
		}
	}
}

// UpdateTaskLocation records the driver's position during transit.
func (s *Service) UpdateTaskLocation(ctx context.Context, actor model.Actor, id uuid.UUID, req model.TaskLocationRequest) (*model.DeliveryTask, error) {
	if err := req.Validate(); err != nil {
		return nil, apperr.Validation("%s", err)
	}

	task, err := s.repos.Tasks.GetOrFail(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.DriverID == nil || *task.DriverID != actor.UserID {
		if !actor.HasAnyRole(model.RoleOperator) {
			return nil, apperr.Authorization("only the assigned driver may report location")
		}
	}
	if lifecycle.IsTerminal(task.Status) {
		return nil, apperr.InvalidTransition("task is %s", task.Status)
	}

	task.CurrentLocation = &req.Location
	saved, err := s.repos.Tasks.Put(ctx, task)
	if err != nil {
		return nil, mapStoreErr(err, "task", id)
	}

	s.emit(ctx, model.EventTaskLocationUpdated, model.TypeTask, id, ptr(actor.UserID),
		model.LocationPayload{Location: req.Location})
	return saved, nil
}
