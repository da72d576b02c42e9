package blip

import "go.uber.org/zap"

func logFields(kind ErrorKind, msg string, cause error) []zap.Field {
	fields := []zap.Field{zap.String("kind", kind.String()), zap.String("detail", msg)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	return fields
}
