package revstore

import "reflect"

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
