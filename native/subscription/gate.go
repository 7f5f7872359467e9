package subscription

import "fmt"

const maxFeeBps = 10_000

func (e *Engine) loadConfig() (*Config, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	cfg := new(Config)
	ok, err := e.state.KVGet(configKey, cfg)
	if err != nil {
		return nil, false, fmt.Errorf("subscription: load config: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return cfg, true, nil
}

func (e *Engine) requireConfig() (*Config, error) {
	cfg, ok, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return cfg, nil
}

func (e *Engine) requireAdmin() (*Config, error) {
	cfg, err := e.requireConfig()
	if err != nil {
		return nil, err
	}
	if err := e.requireAuth(cfg.Admin); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) storeConfig(cfg *Config) error {
	if err := e.state.KVPut(configKey, cfg); err != nil {
		return fmt.Errorf("subscription: store config: %w", err)
	}
	return nil
}

// Init creates the protocol config with the supplied admin and the pause flag
// cleared. The admin must sign the invocation.
func (e *Engine) Init(admin [20]byte) error {
	_, ok, err := e.loadConfig()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if err := e.requireAuth(admin); err != nil {
		return err
	}
	if err := e.storeConfig(&Config{Admin: admin}); err != nil {
		return err
	}
	e.emit(NewInitializedEvent(admin))
	return nil
}

// Config returns the stored protocol config.
func (e *Engine) Config() (*Config, error) {
	return e.requireConfig()
}

// SetPaused toggles the global pause flag. Admin only.
func (e *Engine) SetPaused(paused bool) error {
	cfg, err := e.requireAdmin()
	if err != nil {
		return err
	}
	cfg.Paused = paused
	if err := e.storeConfig(cfg); err != nil {
		return err
	}
	e.emit(NewPausedEvent(paused))
	return nil
}

// IsPaused reports the pause flag. An uninitialised protocol reports false.
func (e *Engine) IsPaused() (bool, error) {
	cfg, ok, err := e.loadConfig()
	if err != nil {
		return false, err
	}
	return ok && cfg.Paused, nil
}

// SetFeeConfig stores the fee stub. Percentage is expressed in basis points.
func (e *Engine) SetFeeConfig(fee FeeConfig) error {
	if fee.Percentage > maxFeeBps {
		return ErrFeeOutOfRange
	}
	cfg, err := e.requireAdmin()
	if err != nil {
		return err
	}
	cfg.FeeBps = fee.Percentage
	cfg.FeeRecipient = fee.Recipient
	if err := e.storeConfig(cfg); err != nil {
		return err
	}
	e.emit(NewFeeConfigUpdatedEvent(fee))
	return nil
}

// FeeConfig returns the stored fee stub.
func (e *Engine) FeeConfig() (FeeConfig, error) {
	cfg, err := e.requireConfig()
	if err != nil {
		return FeeConfig{}, err
	}
	return FeeConfig{Percentage: cfg.FeeBps, Recipient: cfg.FeeRecipient}, nil
}

// SetLoggingContract configures the collaborator that receives renewal log
// entries. The zero address disables logging.
func (e *Engine) SetLoggingContract(contract [20]byte) error {
	cfg, err := e.requireAdmin()
	if err != nil {
		return err
	}
	cfg.LoggingContract = contract
	if err := e.storeConfig(cfg); err != nil {
		return err
	}
	e.emit(NewLoggingContractUpdatedEvent(contract))
	return nil
}

// LoggingContract returns the configured logging collaborator, if any.
func (e *Engine) LoggingContract() ([20]byte, bool, error) {
	cfg, err := e.requireConfig()
	if err != nil {
		return [20]byte{}, false, err
	}
	return cfg.LoggingContract, cfg.HasLoggingContract(), nil
}

// TransferAdmin hands the admin role to next. Both the current and the new
// admin must sign.
func (e *Engine) TransferAdmin(next [20]byte) error {
	cfg, err := e.requireAdmin()
	if err != nil {
		return err
	}
	if err := e.requireAuth(next); err != nil {
		return err
	}
	previous := cfg.Admin
	cfg.Admin = next
	if err := e.storeConfig(cfg); err != nil {
		return err
	}
	e.emit(NewAdminTransferredEvent(previous, next))
	return nil
}
