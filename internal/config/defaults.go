package config

const (
	defaultDataDir              = "~/.local/share/scribe"
	defaultLogDir               = "~/.local/share/scribe/logs"
	defaultAPIBind              = "127.0.0.1:7381"
	defaultFFmpegBinary         = "ffmpeg"
	defaultFFmpegTimeout        = 600
	defaultAudioCodec           = "libmp3lame"
	defaultAudioBitrate         = "128k"
	defaultSampleRate           = 16000
	defaultASRBaseURL           = "http://127.0.0.1:9090/v1/audio/transcriptions"
	defaultASRModel             = "whisper-1"
	defaultASRQuality           = "balanced"
	defaultASRTimeout           = 600
	defaultLLMBaseURL           = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel             = "google/gemini-3-flash-preview"
	defaultLLMReferer           = "https://github.com/scribe-pipeline/scribe"
	defaultLLMTitle             = "Scribe Transcription"
	defaultLLMTimeout           = 60
	defaultJobRetentionHours    = 24
	defaultEstimateAudioSeconds = 600
	defaultWorkflowRetention    = 168
	defaultReferenceMaxAge      = 24
	defaultSweepInterval        = 30
	defaultDownloadTimeout      = 600
	defaultDownloadMaxSizeMB    = 2048
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		FFmpeg: FFmpeg{
			Binary:         defaultFFmpegBinary,
			TimeoutSeconds: defaultFFmpegTimeout,
			AudioCodec:     defaultAudioCodec,
			AudioBitrate:   defaultAudioBitrate,
			SampleRate:     defaultSampleRate,
		},
		ASR: ASR{
			BaseURL:        defaultASRBaseURL,
			Model:          defaultASRModel,
			Quality:        defaultASRQuality,
			TimeoutSeconds: defaultASRTimeout,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeout,
		},
		Jobs: Jobs{
			RetentionHours:       defaultJobRetentionHours,
			EstimateAudioSeconds: defaultEstimateAudioSeconds,
		},
		Cleanup: Cleanup{
			WorkflowRetentionHours:  defaultWorkflowRetention,
			ReferenceMaxAgeHours:    defaultReferenceMaxAge,
			SweepIntervalMinutes:    defaultSweepInterval,
			DownloadTimeoutSeconds:  defaultDownloadTimeout,
			DownloadMaxSizeMegaByte: defaultDownloadMaxSizeMB,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
