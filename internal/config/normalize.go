package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFFmpeg()
	c.normalizeASR()
	c.normalizeLLM()
	c.normalizeJobs()
	c.normalizeCleanup()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeFFmpeg() {
	c.FFmpeg.Binary = strings.TrimSpace(c.FFmpeg.Binary)
	if c.FFmpeg.Binary == "" {
		c.FFmpeg.Binary = defaultFFmpegBinary
	}
	if c.FFmpeg.TimeoutSeconds <= 0 {
		c.FFmpeg.TimeoutSeconds = defaultFFmpegTimeout
	}
	if strings.TrimSpace(c.FFmpeg.AudioCodec) == "" {
		c.FFmpeg.AudioCodec = defaultAudioCodec
	}
	if strings.TrimSpace(c.FFmpeg.AudioBitrate) == "" {
		c.FFmpeg.AudioBitrate = defaultAudioBitrate
	}
	if c.FFmpeg.SampleRate <= 0 {
		c.FFmpeg.SampleRate = defaultSampleRate
	}
}

func (c *Config) normalizeASR() {
	if c.ASR.APIKey == "" {
		if value, ok := os.LookupEnv("SCRIBE_ASR_API_KEY"); ok {
			c.ASR.APIKey = strings.TrimSpace(value)
		}
	}
	c.ASR.BaseURL = strings.TrimSpace(c.ASR.BaseURL)
	if c.ASR.BaseURL == "" {
		c.ASR.BaseURL = defaultASRBaseURL
	}
	c.ASR.Model = strings.TrimSpace(c.ASR.Model)
	if c.ASR.Model == "" {
		c.ASR.Model = defaultASRModel
	}
	c.ASR.Quality = strings.ToLower(strings.TrimSpace(c.ASR.Quality))
	if c.ASR.Quality == "" {
		c.ASR.Quality = defaultASRQuality
	}
	if c.ASR.TimeoutSeconds <= 0 {
		c.ASR.TimeoutSeconds = defaultASRTimeout
	}
}

func (c *Config) normalizeLLM() {
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("SCRIBE_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeout
	}
}

func (c *Config) normalizeJobs() {
	if c.Jobs.RetentionHours <= 0 {
		c.Jobs.RetentionHours = defaultJobRetentionHours
	}
	if c.Jobs.EstimateAudioSeconds <= 0 {
		c.Jobs.EstimateAudioSeconds = defaultEstimateAudioSeconds
	}
}

func (c *Config) normalizeCleanup() {
	if c.Cleanup.WorkflowRetentionHours <= 0 {
		c.Cleanup.WorkflowRetentionHours = defaultWorkflowRetention
	}
	if c.Cleanup.ReferenceMaxAgeHours <= 0 {
		c.Cleanup.ReferenceMaxAgeHours = defaultReferenceMaxAge
	}
	if c.Cleanup.SweepIntervalMinutes <= 0 {
		c.Cleanup.SweepIntervalMinutes = defaultSweepInterval
	}
	if c.Cleanup.DownloadTimeoutSeconds <= 0 {
		c.Cleanup.DownloadTimeoutSeconds = defaultDownloadTimeout
	}
	if c.Cleanup.DownloadMaxSizeMegaByte <= 0 {
		c.Cleanup.DownloadMaxSizeMegaByte = defaultDownloadMaxSizeMB
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
