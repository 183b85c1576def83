package properties

import (
	"fmt"
	"io"

	"github.com/spf13/viper"
)

// Load читает дерево свойств из файла (yaml, json, toml - по расширению)
func Load(path string) (*Properties, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("ошибка чтения свойств из %s: %w", path, err)
	}
	return FromMap(v.AllSettings()), nil
}

// LoadReader читает дерево свойств из потока заданного формата
func LoadReader(r io.Reader, configType string) (*Properties, error) {
	v := viper.New()
	v.SetConfigType(configType)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("ошибка чтения свойств: %w", err)
	}
	return FromMap(v.AllSettings()), nil
}
