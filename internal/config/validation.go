package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid value for %s: failed %q check (%d problems)", first.Namespace(), first.Tag(), len(verrs))
		}
		return err
	}

	if c.Realtime.ListenAddr != "" && c.Realtime.RemoteURL != "" {
		return errors.New("realtime.listen_addr and realtime.remote_url are mutually exclusive")
	}
	if c.Notify.Enabled && len(c.Notify.ChatIDs) == 0 {
		return errors.New("notify.chat_ids must map at least one participant when notify is enabled")
	}
	return nil
}
