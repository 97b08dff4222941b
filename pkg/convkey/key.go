// Package convkey 会话标识
// 单聊会话不落库，由两个参与者ID排序后拼接得到，顺序无关
package convkey

import "strings"

// Separator 会话key中两个用户ID之间的分隔符
const Separator = ":"

// reserved 会话key与广播组名使用的分隔符，不能出现在ID中
const reserved = Separator + "|"

// ValidID 用户ID和工作区ID不能为空，也不能包含分隔符
// 否则 Of("a", "b:c") 与 Of("a:b", "c") 会得到同一个key
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, reserved)
}

// Of 返回两个用户的会话key，Of(a, b) == Of(b, a)
func Of(a, b string) string {
	low, high := Pair(a, b)
	return low + Separator + high
}

// Pair 返回按字典序排序后的参与者
func Pair(a, b string) (low, high string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Group 返回会话广播组名，带上工作区前缀避免跨租户串组
func Group(workspaceID, key string) string {
	return "conv|" + workspaceID + "|" + key
}

// UserGroup 返回用户广播组名
func UserGroup(workspaceID, userID string) string {
	return "user|" + workspaceID + "|" + userID
}
