package config

import (
	"fmt"
	"strings"
)

var (
	knownLogLevels     = []string{"none", "error", "warn", "warning", "info", "debug"}
	knownReviewPolicies = []string{ReviewPolicyNever, ReviewPolicyOnErrors, ReviewPolicyAlways}
	knownFunctionKinds  = []string{FunctionFieldValidation, FunctionRecordValidation, FunctionRecordUpload, FunctionRecordUploadBatch}
	knownFunctionSources = []string{FunctionSourceNative, FunctionSourceSQL}
	knownParamTypes     = []string{ParamTypeString, ParamTypeInteger, ParamTypeFloat, ParamTypeBoolean, ParamTypeEnum, ParamTypeDict}
)

func isValidEnumValue(value string, allowed []string) bool {
	lowerValue := strings.ToLower(value)
	for _, a := range allowed {
		if lowerValue == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// ValidateConfig performs comprehensive validation of the admin configuration,
// aggregating every problem found rather than stopping at the first one.
func ValidateConfig(cfg *AdminConfig) error {
	var allErrors []string

	if !isValidEnumValue(cfg.Logging.Level, knownLogLevels) {
		allErrors = append(allErrors, fmt.Sprintf("- Logging.Level: invalid log level '%s'", cfg.Logging.Level))
	}
	if cfg.Database.DSN == "" {
		allErrors = append(allErrors, "- Database.DSN: must not be empty")
	}

	functionIDs := map[string]bool{}
	for _, fn := range cfg.Functions {
		if fn.ID == "" {
			allErrors = append(allErrors, "- Functions: entry missing id")
			continue
		}
		functionIDs[fn.ID] = true
		if !isValidEnumValue(fn.Kind, knownFunctionKinds) {
			allErrors = append(allErrors, fmt.Sprintf("- Function %s: invalid kind '%s'", fn.ID, fn.Kind))
		}
		if !isValidEnumValue(fn.Source, knownFunctionSources) {
			allErrors = append(allErrors, fmt.Sprintf("- Function %s: invalid source '%s'", fn.ID, fn.Source))
		}
		if fn.Source == FunctionSourceNative && fn.Symbol == "" {
			allErrors = append(allErrors, fmt.Sprintf("- Function %s: native source requires symbol", fn.ID))
		}
		if fn.Source == FunctionSourceSQL && fn.SQLCode == "" {
			allErrors = append(allErrors, fmt.Sprintf("- Function %s: sql source requires sqlCode", fn.ID))
		}
		for _, p := range fn.Parameters {
			if !isValidEnumValue(p.DataType, knownParamTypes) {
				allErrors = append(allErrors, fmt.Sprintf("- Function %s parameter %s: invalid dataType '%s'", fn.ID, p.Name, p.DataType))
			}
		}
	}

	functionConfigIDs := map[int]bool{}
	for _, fc := range cfg.FunctionConfigs {
		functionConfigIDs[fc.ID] = true
		if !functionIDs[fc.FunctionID] {
			allErrors = append(allErrors, fmt.Sprintf("- FunctionConfig %d: references unknown function '%s'", fc.ID, fc.FunctionID))
		}
	}

	for _, partner := range cfg.Partners {
		prefix := fmt.Sprintf("Partner %d", partner.ID)
		for _, ft := range partner.FileTypes {
			ftPrefix := fmt.Sprintf("%s.FileType %d", prefix, ft.ID)
			if !isValidEnumValue(ft.RequireUploadReview, knownReviewPolicies) {
				allErrors = append(allErrors, fmt.Sprintf("- %s: invalid requireUploadReview '%s'", ftPrefix, ft.RequireUploadReview))
			}
			if !ft.FixedWidth && ft.DelimitedSeparator == "" {
				ft.DelimitedSeparator = ","
			}
			if len(ft.RecordTypes) > 1 && ft.HasHeader {
				allErrors = append(allErrors, fmt.Sprintf("- %s: a file with a header row must declare exactly one record type", ftPrefix))
			}
			for _, rt := range ft.RecordTypes {
				rtPrefix := fmt.Sprintf("%s.RecordType %d", ftPrefix, rt.ID)
				for _, cfgIDs := range rt.FieldValidations {
					for _, id := range cfgIDs {
						if !functionConfigIDs[id] {
							allErrors = append(allErrors, fmt.Sprintf("- %s: field validation references unknown FunctionConfig %d", rtPrefix, id))
						}
					}
				}
				for _, id := range rt.RecordValidations {
					if !functionConfigIDs[id] {
						allErrors = append(allErrors, fmt.Sprintf("- %s: record validation references unknown FunctionConfig %d", rtPrefix, id))
					}
				}
			}
		}
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(allErrors, "\n"))
	}
	return nil
}
