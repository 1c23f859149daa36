package models

var registry []interface{}

func registerModel(model interface{}) {
	registry = append(registry, model)
}

// GetModels returns every registered model for migration.
func GetModels() []interface{} {
	return registry
}
