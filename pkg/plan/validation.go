package plan

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/andrej220/rdeploy/internal/processor"
)

var (
	validate   = validator.New()
	processors = processor.NewProcessorChain()
	envNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func init() {
	// Register custom validations
	_ = validate.RegisterValidation("notblank", validators.NotBlank)
	_ = validate.RegisterValidation("processor", validateProcessor)
	_ = validate.RegisterValidation("envname", validateEnvName)
}

func validateProcessor(fl validator.FieldLevel) bool {
	return processors.Has(fl.Field().String())
}

func validateEnvName(fl validator.FieldLevel) bool {
	return envNameRe.MatchString(fl.Field().String())
}

// ValidateStep checks a single step in isolation.
func ValidateStep(s Step) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if err := s.OnFailure.Validate(); err != nil {
		return fmt.Errorf("on_failure: %w", err)
	}
	return nil
}

// Processors exposes the output processors steps may name.
func Processors() *processor.ProcessorChain { return processors }
