package event

import (
	"go.uber.org/zap"
)

// LogSink writes every public update to a zap logger. The sync command uses
// it as its event consumer.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) UserUpdated(u User) {
	s.logger.Info("user updated",
		zap.Int64("id", int64(u.ID)),
		zap.String("name", u.FirstName+" "+u.LastName),
		zap.String("username", u.Username),
		zap.Bool("contact", u.IsContact))
}

func (s *LogSink) ChatUpdated(c Chat) {
	s.logger.Info("chat updated",
		zap.Int64("id", int64(c.ID)),
		zap.String("title", c.Title),
		zap.Int("participants", c.ParticipantCount),
		zap.Stringer("status", c.Status.Kind))
}

func (s *LogSink) ChannelUpdated(c Channel) {
	s.logger.Info("channel updated",
		zap.Int64("id", int64(c.ID)),
		zap.String("title", c.Title),
		zap.String("username", c.Username),
		zap.Int("participants", c.ParticipantCount))
}

func (s *LogSink) SecretChatUpdated(c SecretChat) {
	s.logger.Info("secret chat updated",
		zap.Int64("id", int64(c.ID)),
		zap.Int64("user_id", int64(c.UserID)),
		zap.String("state", c.State))
}

func (s *LogSink) UserFullUpdated(f UserFull) {
	s.logger.Info("user full updated", zap.Int64("id", int64(f.ID)))
}

func (s *LogSink) ChatFullUpdated(f ChatFull) {
	s.logger.Info("chat full updated",
		zap.Int64("id", int64(f.ID)),
		zap.Int("admins", len(f.AdminIDs)))
}

func (s *LogSink) ChannelFullUpdated(f ChannelFull) {
	s.logger.Info("channel full updated", zap.Int64("id", int64(f.ID)))
}

var _ Sink = (*LogSink)(nil)
