// Пакет properties - дерево строковых свойств с типизированными геттерами.
//
// Ключи плоские, разделенные точкой ("video.codecs.0.pt"). Массивы
// хранятся как дочерние узлы с индексами и ключ "<name>.length".
// Любой геттер возвращает значение по умолчанию, если ключа нет или
// значение не приводится к нужному типу.
package properties

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Properties плоское дерево свойств
type Properties struct {
	values map[string]string
}

// New создает пустое дерево
func New() *Properties {
	return &Properties{values: make(map[string]string)}
}

// FromMap строит дерево из вложенной карты (например viper.AllSettings()).
// Вложенные карты и срезы разворачиваются в точечные ключи.
func FromMap(m map[string]interface{}) *Properties {
	p := New()
	p.flatten("", m)
	return p
}

func (p *Properties) flatten(prefix string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			p.flatten(join(prefix, k), child)
		}
	case map[interface{}]interface{}:
		for k, child := range v {
			p.flatten(join(prefix, cast.ToString(k)), child)
		}
	case []interface{}:
		for i, child := range v {
			p.flatten(join(prefix, strconv.Itoa(i)), child)
		}
		p.values[join(prefix, "length")] = strconv.Itoa(len(v))
	case []map[string]interface{}:
		for i, child := range v {
			p.flatten(join(prefix, strconv.Itoa(i)), child)
		}
		p.values[join(prefix, "length")] = strconv.Itoa(len(v))
	default:
		if prefix != "" {
			p.values[prefix] = cast.ToString(v)
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Set устанавливает значение свойства
func (p *Properties) Set(key string, value interface{}) {
	p.values[key] = cast.ToString(value)
}

// Has проверяет наличие ключа
func (p *Properties) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Len количество листовых ключей
func (p *Properties) Len() int {
	return len(p.values)
}

// Keys возвращает отсортированный список ключей
func (p *Properties) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString возвращает строку или значение по умолчанию
func (p *Properties) GetString(key, def string) string {
	if v, ok := p.values[key]; ok {
		return v
	}
	return def
}

// GetInt возвращает целое или значение по умолчанию
func (p *Properties) GetInt(key string, def int) int {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// GetUint32 возвращает uint32 или значение по умолчанию
func (p *Properties) GetUint32(key string, def uint32) uint32 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	u, err := cast.ToUint32E(v)
	if err != nil {
		return def
	}
	return u
}

// GetBool возвращает флаг или значение по умолчанию
func (p *Properties) GetBool(key string, def bool) bool {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// GetFloat возвращает число с плавающей точкой или значение по умолчанию
func (p *Properties) GetFloat(key string, def float64) float64 {
	v, ok := p.values[key]
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return def
	}
	return f
}

// GetChild возвращает поддерево с ключами относительно prefix
func (p *Properties) GetChild(prefix string) *Properties {
	child := New()
	dotted := prefix + "."
	for k, v := range p.values {
		if strings.HasPrefix(k, dotted) {
			child.values[strings.TrimPrefix(k, dotted)] = v
		}
	}
	return child
}

// GetChildArray возвращает элементы массива prefix.0 .. prefix.(length-1)
func (p *Properties) GetChildArray(prefix string) []*Properties {
	length := p.GetInt(prefix+".length", 0)
	if length <= 0 {
		return nil
	}
	items := make([]*Properties, 0, length)
	for i := 0; i < length; i++ {
		items = append(items, p.GetChild(fmt.Sprintf("%s.%d", prefix, i)))
	}
	return items
}

// Merge копирует все ключи other в p с префиксом
func (p *Properties) Merge(prefix string, other *Properties) {
	for k, v := range other.values {
		p.values[join(prefix, k)] = v
	}
}

// AppendChild добавляет элемент в массив prefix и обновляет length
func (p *Properties) AppendChild(prefix string, item *Properties) {
	idx := p.GetInt(prefix+".length", 0)
	p.Merge(fmt.Sprintf("%s.%d", prefix, idx), item)
	p.values[prefix+".length"] = strconv.Itoa(idx + 1)
}

func (p *Properties) String() string {
	var sb strings.Builder
	for _, k := range p.Keys() {
		fmt.Fprintf(&sb, "%s=%s\n", k, p.values[k])
	}
	return sb.String()
}
