package utils

import (
	"github.com/emirpasic/gods/sets"
	"github.com/emirpasic/gods/sets/hashset"
	"github.com/emirpasic/gods/utils"
)

func List2set[T any](list []T) sets.Set {
	set := hashset.New()
	for _, value := range list {
		set.Add(value)
	}
	return set
}

// UintptrComparator 用于以地址为 key 的有序容器
func UintptrComparator(a, b interface{}) int {
	x := a.(uintptr)
	y := b.(uintptr)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

var _ utils.Comparator = UintptrComparator
