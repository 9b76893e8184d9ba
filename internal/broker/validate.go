package broker

// Validate checks an order spec before any broker call is made.
func (s OrderSpec) Validate() error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "is required"}
	}
	if s.Side != SideBuy && s.Side != SideSell {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !s.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	switch s.Type {
	case OrderTypeMarket:
		// price fields ignored
	case OrderTypeLimit:
		if !s.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "required for limit orders"}
		}
	case OrderTypeStop:
		if !s.StopPrice.IsPositive() {
			return &ValidationError{Field: "stop_price", Reason: "required for stop orders"}
		}
	case OrderTypeStopLimit:
		if !s.LimitPrice.IsPositive() {
			return &ValidationError{Field: "limit_price", Reason: "required for stop-limit orders"}
		}
		if !s.StopPrice.IsPositive() {
			return &ValidationError{Field: "stop_price", Reason: "required for stop-limit orders"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown order type"}
	}

	switch s.TimeInForce {
	case TimeInForceDay, TimeInForceGTC:
	case TimeInForceGTT:
		if s.ExpiresAt.IsZero() {
			return &ValidationError{Field: "expires_at", Reason: "required for good-til-time orders"}
		}
	case TimeInForceIOC, TimeInForceFOK:
		// Immediate policies make no sense on resting stop triggers.
		if s.Type == OrderTypeStop || s.Type == OrderTypeStopLimit {
			return &ValidationError{Field: "time_in_force", Reason: "immediate time-in-force incompatible with stop orders"}
		}
	default:
		return &ValidationError{Field: "time_in_force", Reason: "unknown time-in-force"}
	}

	if s.TimeInForce != TimeInForceGTT && !s.ExpiresAt.IsZero() {
		return &ValidationError{Field: "expires_at", Reason: "only valid with good-til-time"}
	}

	return nil
}
