package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/aria5/riskcore/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyScoreChange NotificationType = "score_change"
	NotifyCascade     NotificationType = "cascade"
	NotifySLADigest   NotificationType = "sla_digest"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Priority  models.EventPriority
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinPriority models.EventPriority // Minimum priority to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinPriority models.EventPriority
}

// Service delivers notifications. Delivery is fire-and-forget: failures are
// logged, never retried synchronously, and never propagate into the
// pipeline.
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// PriorityFor maps (current score, change magnitude) onto a notification
// priority.
func PriorityFor(score, magnitude float64) models.EventPriority {
	switch {
	case score >= 80 && magnitude >= 20:
		return models.PriorityCritical
	case score >= 70 || magnitude >= 15:
		return models.PriorityHigh
	case score >= 50 || magnitude >= 10:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Priority, s.config.Slack.MinPriority) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Priority, s.config.Email.MinPriority) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// NotifyScoreChange sends a notification for a significant score change.
func (s *Service) NotifyScoreChange(ctx context.Context, change *models.ScoreChange) error {
	direction := "increased"
	if change.Direction == models.TrendDecreasing {
		direction = "decreased"
	}

	notif := &Notification{
		Type:  NotifyScoreChange,
		Title: fmt.Sprintf("Risk score %s for %s", direction, change.ServiceName),
		Message: fmt.Sprintf("Score moved from %.1f to %.1f (magnitude %.1f)",
			change.PreviousScore, change.CurrentScore, change.Magnitude),
		Priority: change.Priority,
		Data: map[string]interface{}{
			"service_id":     change.ServiceID.String(),
			"service_name":   change.ServiceName,
			"previous_score": change.PreviousScore,
			"current_score":  change.CurrentScore,
			"magnitude":      change.Magnitude,
			"direction":      string(change.Direction),
			"event_count":    len(change.EventIDs),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyCascadeApproval flags a high-impact cascade awaiting manual review.
func (s *Service) NotifyCascadeApproval(ctx context.Context, riskTitle, serviceName string, cascadedScore float64) error {
	notif := &Notification{
		Type:     NotifyCascade,
		Title:    "High-impact cascade requires approval",
		Message:  fmt.Sprintf("Risk %q cascaded onto %s with score %.1f", riskTitle, serviceName, cascadedScore),
		Priority: models.PriorityHigh,
		Data: map[string]interface{}{
			"risk_title":     riskTitle,
			"service_name":   serviceName,
			"cascaded_score": cascadedScore,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// SLADigest summarizes pipeline SLA compliance over the rolling window.
type SLADigest struct {
	WindowHours    int
	TotalEvents    int
	WithinSLA      int
	ComplianceRate float64
	FailedEvents   int
	// HighRiskDependents lists "dependent depends on service" pairs where
	// the depended-on service currently scores in the high-risk band.
	HighRiskDependents []string
}

// NotifySLADigest sends the periodic SLA compliance digest.
func (s *Service) NotifySLADigest(ctx context.Context, digest SLADigest) error {
	return s.Send(ctx, digestNotification(digest))
}

func digestNotification(digest SLADigest) *Notification {
	priority := models.PriorityLow
	if digest.ComplianceRate < 95 {
		priority = models.PriorityMedium
	}
	if digest.ComplianceRate < 80 {
		priority = models.PriorityHigh
	}

	message := fmt.Sprintf("%.1f%% of %d events processed within SLA over the last %dh", digest.ComplianceRate, digest.TotalEvents, digest.WindowHours)
	data := map[string]interface{}{
		"window_hours":    digest.WindowHours,
		"total_events":    digest.TotalEvents,
		"within_sla":      digest.WithinSLA,
		"compliance_rate": digest.ComplianceRate,
		"failed_events":   digest.FailedEvents,
	}
	if len(digest.HighRiskDependents) > 0 {
		message += fmt.Sprintf("; %d services depend on high-risk services", len(digest.HighRiskDependents))
		data["high_risk_dependents"] = digest.HighRiskDependents
	}

	return &Notification{
		Type:      NotifySLADigest,
		Title:     "Pipeline SLA digest",
		Message:   message,
		Priority:  priority,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// shouldNotify checks if notification should be sent based on priority
func (s *Service) shouldNotify(actual, minimum models.EventPriority) bool {
	return models.PriorityRank(actual) >= models.PriorityRank(minimum)
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.priorityToColor(notif.Priority)

	fields := []SlackField{}
	for _, key := range []string{"service_name", "previous_score", "current_score", "magnitude", "compliance_rate"} {
		if v, ok := notif.Data[key]; ok {
			fields = append(fields, SlackField{
				Title: key,
				Value: fmt.Sprintf("%v", v),
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Risk Scoring Pipeline",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// priorityToColor converts priority to Slack color
func (s *Service) priorityToColor(priority models.EventPriority) string {
	switch priority {
	case models.PriorityCritical:
		return "#FF0000" // Red
	case models.PriorityHigh:
		return "#FFA500" // Orange
	case models.PriorityMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Risk Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .priority { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.PriorityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Priority: <span class="priority">{{.Priority}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the risk scoring pipeline.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	priorityColor := s.priorityToColor(notif.Priority)

	switch notif.Priority {
	case models.PriorityCritical:
		headerColor = "#F44336"
	case models.PriorityHigh:
		headerColor = "#FF9800"
	case models.PriorityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Priority":      string(notif.Priority),
		"HeaderColor":   headerColor,
		"PriorityColor": priorityColor,
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
