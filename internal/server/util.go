package server

import "strconv"

func portString(p uint16) string { return strconv.Itoa(int(p)) }
