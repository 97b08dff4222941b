package service

import (
	"context"
	"regexp"

	"workspace-im/pkg/logger"

	"go.uber.org/zap"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_.\-@])@([A-Za-z0-9_][A-Za-z0-9_.\-]*)`)

// ExtractMentions 提取内容中的 @用户名，按出现顺序去重
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		name := trimTrailingPunct(m[1])
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// 句末的 . 和 - 不属于用户名
func trimTrailingPunct(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '.' || s[len(s)-1] == '-') {
		s = s[:len(s)-1]
	}
	return s
}

// ResolveMentions 把内容中的 @用户名 解析为用户ID
// 尽力而为：解析失败只记录日志，返回空列表，不影响发送
func ResolveMentions(ctx context.Context, dir Directory, workspaceID, content string) []string {
	names := ExtractMentions(content)
	if len(names) == 0 {
		return []string{}
	}

	resolved, err := dir.ResolveUsernames(ctx, workspaceID, names)
	if err != nil {
		logger.Warn("解析@提及失败", zap.String("workspace_id", workspaceID), zap.Error(err))
		return []string{}
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := resolved[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}
