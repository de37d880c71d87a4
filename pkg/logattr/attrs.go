package logattr

import "log/slog"

func ServiceName(serviceName string) slog.Attr {
	return slog.String("service_name", serviceName)
}

func Component(component string) slog.Attr {
	return slog.String("component", component)
}

func Host(host string) slog.Attr {
	return slog.String("host", host)
}

func Exchange(exchange string) slog.Attr {
	return slog.String("exchange", exchange)
}

func Route(route string) slog.Attr {
	return slog.String("route", route)
}

func Queue(queue string) slog.Attr {
	return slog.String("queue", queue)
}

func CorrelationID(correlationID string) slog.Attr {
	return slog.String("correlation_id", correlationID)
}

func ExecutionID(executionID string) slog.Attr {
	return slog.String("execution_id", executionID)
}

func DeliveryTag(tag uint64) slog.Attr {
	return slog.Uint64("delivery_tag", tag)
}

func Attempt(attempt int) slog.Attr {
	return slog.Int("attempt", attempt)
}

func ChassisNumber(chassisNumber string) slog.Attr {
	return slog.String("chassis_number", chassisNumber)
}

func CustomerID(customerID string) slog.Attr {
	return slog.String("customer_id", customerID)
}

func ErrorKind(kind string) slog.Attr {
	return slog.String("error_kind", kind)
}

// Error returns an empty attribute for a nil error
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
