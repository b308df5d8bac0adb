package notify

import (
	"strings"
)

// Event is a domain event that may notify someone.
type Event string

const (
	// EventTherapistMessage notifies a patient of a therapist reply.
	EventTherapistMessage Event = "therapist_message"
	// EventPatientMessage notifies assigned therapists of a patient message.
	EventPatientMessage Event = "patient_message"
	EventTag            Event = "tag"
	EventDanger         Event = "danger"
)

// Template is a subject/body pair with {placeholder} tokens. Supported
// tokens: {recipient_name} {patient_name} {therapist_name} {preview}
// {urgency} {reason} {link}.
type Template struct {
	Subject string
	Body    string
}

// DefaultTemplates are used for events without an override.
var DefaultTemplates = map[Event]Template{
	EventTherapistMessage: {
		Subject: "New message from {therapist_name}",
		Body:    "Hi {recipient_name},\n\n{therapist_name} sent you a message:\n\n\"{preview}\"",
	},
	EventPatientMessage: {
		Subject: "New message from {patient_name}",
		Body:    "Hi {recipient_name},\n\n{patient_name} wrote:\n\n\"{preview}\"",
	},
	EventTag: {
		Subject: "{patient_name} is asking for you ({urgency})",
		Body:    "Hi {recipient_name},\n\n{patient_name} tagged their care team ({reason}):\n\n\"{preview}\"",
	},
	EventDanger: {
		Subject: "URGENT: danger detected for {patient_name}",
		Body: "Hi {recipient_name},\n\nA message from {patient_name} was flagged as a possible crisis. " +
			"AI responses are disabled for this conversation.\n\n\"{preview}\"\n\nPlease review immediately.",
	},
}

// Fields fills template placeholders.
type Fields struct {
	RecipientName string
	PatientName   string
	TherapistName string
	Preview       string
	Urgency       string
	Reason        string
	Link          string
}

// Render substitutes placeholders. Unknown tokens are left as they are.
func (t Template) Render(f Fields) (subject, body string) {
	r := strings.NewReplacer(
		"{recipient_name}", orDefault(f.RecipientName, "there"),
		"{patient_name}", orDefault(f.PatientName, "A patient"),
		"{therapist_name}", orDefault(f.TherapistName, "Your therapist"),
		"{preview}", f.Preview,
		"{urgency}", orDefault(f.Urgency, "normal"),
		"{reason}", orDefault(f.Reason, "no reason given"),
		"{link}", f.Link,
	)
	return r.Replace(t.Subject), r.Replace(t.Body)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
