package protocol

import "strings"

// Bus subjects are hierarchical, dot-separated; "*" matches one segment.
// All subject construction lives here so a typo is a compile error, not a
// silent dead subscription.

const (
	// SubjectRegister carries worker registration records (request-reply).
	SubjectRegister = "remote.worker.register"

	// SubjectHeartbeat carries worker heartbeat records.
	SubjectHeartbeat = "remote.worker.heartbeat"

	// SubjectCompletion carries task completion records from all workers.
	SubjectCompletion = "task.completion"

	// SubjectBroadcastAll reaches every subscribed worker.
	SubjectBroadcastAll = "worker.broadcast.all"
)

// Manager-side wildcard subscriptions.
const (
	WildcardProgress   = "task.progress.*"
	WildcardRejected   = "task.rejected.*"
	WildcardEvents     = "task.event.*"
	WildcardRealtime   = "worker.progress.realtime.*"
	WildcardQuestions  = "manager.question.*"
	WildcardNextTask   = "manager.next_task.*"
	WildcardEndSession = "manager.end_session.*"
)

// TaskSubject is the direct assignment subject for one worker.
func TaskSubject(workerID string) string { return "worker.task." + workerID }

// CommandSubject carries control commands for one worker.
func CommandSubject(workerID string) string { return "worker.command." + workerID }

// BroadcastSubject targets a single worker's broadcast channel.
func BroadcastSubject(workerID string) string { return "worker.broadcast." + workerID }

// RejectionSubject carries a worker's refusal of one task.
func RejectionSubject(taskID string) string { return "task.rejected." + taskID }

// ProgressSubject carries progress records for one task.
func ProgressSubject(taskID string) string { return "task.progress." + taskID }

// RealtimeSubject carries streaming analytics samples from one worker.
func RealtimeSubject(workerID string) string { return "worker.progress.realtime." + workerID }

// EventSubject carries worker-scoped audit events of one type.
func EventSubject(eventType string) string { return "task.event." + eventType }

// QuestionSubject carries worker questions (request-reply).
func QuestionSubject(workerID string) string { return "manager.question." + workerID }

// NextTaskSubject carries next-task requests (request-reply).
func NextTaskSubject(workerID string) string { return "manager.next_task." + workerID }

// EndSessionSubject carries session-end requests (request-reply).
func EndSessionSubject(workerID string) string { return "manager.end_session." + workerID }

// LastSegment returns the trailing segment of a subject, which by convention
// is the entity id for the per-entity subjects above.
func LastSegment(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
