package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                int
	ModelPath           string
	StaticDirectory     string
	LogDirectory        string
	ConfidenceThreshold float64
	IoUThreshold        float64
	InputSize           int      // square network input in pixels
	ClassNames          []string // must match the model's class order
	MinBoxSize          float64  // boxes narrower or shorter than this are noise
	MaxBoxSize          float64
	MaxBoxRatio         float64 // max box area / image area
	MaxImageBytes       int64
	MinFrames           int
	MemoryWindow        int
	BoxTolerance        float64
	DetectRateLimit     float64 // requests per second on /detect, 0 disables
	DetectRateBurst     int
	CORSOrigins         []string
}

// Load reads an optional .env file (path from ENV_FILE, default ".env")
// and then builds the config from the environment.
func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", envFile, err)
	}

	return &Config{
		Port:                getEnvAsInt("PORT", 5000),
		ModelPath:           getEnv("MODEL_PATH", filepath.Join(".", "model", "best.onnx")),
		StaticDirectory:     getEnv("STATIC_DIR", filepath.Join(".", "static")),
		LogDirectory:        getEnv("LOG_DIR", filepath.Join(".", "logs")),
		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.5),
		IoUThreshold:        getEnvAsFloat("IOU_THRESHOLD", 0.45),
		InputSize:           getEnvAsInt("INPUT_SIZE", 640),
		ClassNames:          getEnvAsList("CLASS_NAMES", []string{"Bolt", "Nut"}),
		MinBoxSize:          getEnvAsFloat("MIN_BOX_SIZE", 5),
		MaxBoxSize:          getEnvAsFloat("MAX_BOX_SIZE", 2000),
		MaxBoxRatio:         getEnvAsFloat("MAX_BOX_RATIO", 1.0),
		MaxImageBytes:       getEnvAsInt64("MAX_IMAGE_BYTES", 16<<20),
		MinFrames:           getEnvAsInt("MIN_FRAMES", 2),
		MemoryWindow:        getEnvAsInt("MEMORY_WINDOW", 5),
		BoxTolerance:        getEnvAsFloat("BOX_TOLERANCE", 50),
		DetectRateLimit:     getEnvAsFloat("DETECT_RATE_LIMIT", 0),
		DetectRateBurst:     getEnvAsInt("DETECT_RATE_BURST", 5),
		CORSOrigins:         getEnvAsList("CORS_ORIGINS", []string{"*"}),
	}
}

// Validate checks the ranges the detector and stabilizer rely on.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	case c.IoUThreshold < 0 || c.IoUThreshold > 1:
		return fmt.Errorf("iou threshold must be in [0,1], got %v", c.IoUThreshold)
	case c.InputSize <= 0 || c.InputSize%32 != 0:
		return fmt.Errorf("input size must be a positive multiple of 32, got %d", c.InputSize)
	case len(c.ClassNames) == 0:
		return fmt.Errorf("at least one class name is required")
	case c.MinBoxSize < 0 || c.MaxBoxSize < c.MinBoxSize:
		return fmt.Errorf("invalid box size limits: min %v, max %v", c.MinBoxSize, c.MaxBoxSize)
	case c.MaxBoxRatio <= 0:
		return fmt.Errorf("max box ratio must be positive, got %v", c.MaxBoxRatio)
	case c.MinFrames < 1:
		return fmt.Errorf("min frames must be at least 1, got %d", c.MinFrames)
	case c.MemoryWindow < c.MinFrames:
		return fmt.Errorf("memory window %d is smaller than min frames %d", c.MemoryWindow, c.MinFrames)
	case !(c.BoxTolerance > 0) || math.IsInf(c.BoxTolerance, 0):
		return fmt.Errorf("box tolerance must be a positive number, got %v", c.BoxTolerance)
	case c.MaxImageBytes <= 0:
		return fmt.Errorf("max image bytes must be positive, got %d", c.MaxImageBytes)
	case c.DetectRateLimit < 0:
		return fmt.Errorf("detect rate limit must not be negative, got %v", c.DetectRateLimit)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, skipping blank entries.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
