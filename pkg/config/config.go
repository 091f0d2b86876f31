package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type options struct {
	paths    []string
	defaults func(v *viper.Viper)
	onChange func(v *viper.Viper)
}

type Option func(*options)

// WithPaths 覆盖默认搜索目录 (./config, .)
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = paths }
}

// WithDefaults 注册默认值；只有注册过的 key 才能被环境变量覆盖
func WithDefaults(fn func(v *viper.Viper)) Option {
	return func(o *options) { o.defaults = fn }
}

// WithWatch 开启文件监听。回调拿到的是 viper 本身，
// out 不会被并发改写，调用方自己挑能热更新的 key 读。
func WithWatch(fn func(v *viper.Viper)) Option {
	return func(o *options) { o.onChange = fn }
}

// LoadAndWatch 约定：config/{service}.yaml
// 环境变量覆盖，例如 service=relay-service 时：
//
//	RELAY_SERVICE_FEED_API_KEY 覆盖 feed.api_key
//	RELAY_SERVICE_HTTP_ADDR    覆盖 http.addr
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	o := &options{paths: []string{"./config", "."}}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range o.paths {
		v.AddConfigPath(p)
	}
	if o.defaults != nil {
		o.defaults(v)
	}

	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时允许只靠默认值 + 环境变量启动
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Printf("[%s] no config file found, using defaults and env", service)
	} else {
		log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if o.onChange != nil && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("[%s] config file changed: %s", service, e.Name)
			o.onChange(v)
		})
		v.WatchConfig()
	}
	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
