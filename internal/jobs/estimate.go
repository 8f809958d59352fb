package jobs

import (
	"time"

	"scribe/internal/config"
)

// Base durations assume a typical ten minute source recording.
var baseDurations = map[Operation]time.Duration{
	OpUploadVideo:          30 * time.Second,
	OpExtractAudio:         45 * time.Second,
	OpTranscribeAudio:      2 * time.Minute,
	OpEnhanceTranscription: 90 * time.Second,
}

var qualityMultipliers = map[string]float64{
	"fast":     0.1,
	"balanced": 0.2,
	"accurate": 0.4,
	"best":     0.6,
}

// EstimateCompletion predicts when a job of the given operation would
// finish if started now. Transcription scales with the audio duration
// and the configured quality level; the other operations use fixed
// baselines. Input params may carry "audio_duration_seconds" and
// "quality" overrides.
func EstimateCompletion(cfg *config.Config, op Operation, params map[string]any) time.Time {
	return time.Now().UTC().Add(EstimateDuration(cfg, op, params))
}

// EstimateDuration returns the expected runtime for an operation.
func EstimateDuration(cfg *config.Config, op Operation, params map[string]any) time.Duration {
	if op != OpTranscribeAudio {
		if base, ok := baseDurations[op]; ok {
			return base
		}
		return time.Minute
	}

	audioSeconds := float64(cfg.Jobs.EstimateAudioSeconds)
	if override, ok := numericParam(params, "audio_duration_seconds"); ok && override > 0 {
		audioSeconds = override
	}

	quality := cfg.ASR.Quality
	if override, ok := stringParam(params, "quality"); ok {
		quality = override
	}
	multiplier, ok := qualityMultipliers[quality]
	if !ok {
		multiplier = qualityMultipliers["balanced"]
	}

	return time.Duration(audioSeconds * multiplier * float64(time.Second))
}

func numericParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
