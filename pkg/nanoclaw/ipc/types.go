package ipc

// Discriminator values for the "type" field of every IPC document.
const (
	TypeMessage       = "message"
	TypeVoiceMessage  = "voice_message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// MessageFile is written into an agent's inbox to inject a follow-up user
// message into a running session (the first turn arrives on stdin), and by
// an agent into its outbox to ask the host to send a chat message.
type MessageFile struct {
	Type        string `json:"type"`
	ChatJID     string `json:"chatJid"`
	Text        string `json:"text"`
	Sender      string `json:"sender,omitempty"`
	GroupFolder string `json:"groupFolder"`
	Timestamp   int64  `json:"timestamp"`
}

// VoiceMessageFile is the voice-note counterpart of MessageFile.
type VoiceMessageFile struct {
	Type        string `json:"type"`
	ChatJID     string `json:"chatJid"`
	AudioPath   string `json:"audioPath"`
	GroupFolder string `json:"groupFolder"`
	Timestamp   int64  `json:"timestamp"`
}

// ScheduleTaskFile is written by an agent into its outbox to ask the host to
// create a new scheduled task.
type ScheduleTaskFile struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	TargetJID     string `json:"targetJid"`
	CreatedBy     string `json:"createdBy"`
	Timestamp     int64  `json:"timestamp"`
}

// TaskControlFile covers pause_task/resume_task/cancel_task — they share a
// shape and differ only in the "type" discriminator.
type TaskControlFile struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	IsMain      bool   `json:"isMain"`
	Timestamp   int64  `json:"timestamp"`
}

// RegisterGroupFile is written by an agent into its outbox to ask the host
// to add a new registered chat.
type RegisterGroupFile struct {
	Type      string `json:"type"`
	JID       string `json:"jid"`
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Trigger   string `json:"trigger"`
	Timestamp int64  `json:"timestamp"`
}
