// Package intent classifies free-form user input into the closed set of
// categories the Context Builder and tool-surface selection use to decide
// how much of the system prompt and tool list to expose for a turn.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/clawinfra/skillmesh/internal/model"
)

// rule is one entry in the ordered classification table: a category wins a
// match if any of its keywords or patterns hit and none of its negative
// keywords do. Priority breaks ties when an input matches more than one
// category.
type rule struct {
	category model.IntentCategory
	keywords []string
	patterns []*regexp.Regexp
	negative []string
	priority int
}

var rules = []rule{
	{
		category: model.IntentChat,
		priority: 10,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(hi|hello|hey|yo|sup)\b`),
			regexp.MustCompile(`(?i)^(thanks|thank you|thx|ty)\b`),
			regexp.MustCompile(`(?i)^(bye|goodbye|see you|later)\b`),
			regexp.MustCompile(`(?i)^(who are you|what are you|what can you do)\b`),
			regexp.MustCompile(`(?i)^(lol|lmao|haha+)\b`),
			regexp.MustCompile(`^(你好|您好|嗨|哈喽|早上好|晚上好)`),
			regexp.MustCompile(`^(谢谢|多谢|辛苦了)`),
			regexp.MustCompile(`^(再见|拜拜|晚安)`),
			regexp.MustCompile(`^(你是谁|你能做什么)`),
			regexp.MustCompile(`^[\p{So}\p{Sk}\s]+$`),
		},
	},
	{
		category: model.IntentFinance,
		priority: 7,
		keywords: []string{
			"stock", "stocks", "share price", "a股", "港股", "美股", "股票", "股价",
			"基金", "etf", "期货", "期权", "债券", "外汇", "k线", "涨停", "跌停",
			"市盈率", "市净率", "财报", "crypto", "bitcoin", "ethereum", "加密货币",
			"数字货币", "交易所", "portfolio", "投资组合", "macd", "rsi", "boll",
			"茅台", "云天化", "云南白药", "宁德时代", "比亚迪", "白酒",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(BTC|ETH|SOL|DOGE|XRP|BNB|USDT|USDC)\b`),
			regexp.MustCompile(`(^|[^0-9])[036]\d{5}([^0-9]|$)`),
			regexp.MustCompile(`\d{5}\.HK`),
			regexp.MustCompile(`(?i)\b(AAPL|MSFT|GOOG|GOOGL|AMZN|TSLA|NVDA|META)\b`),
		},
	},
	{
		category: model.IntentBlockchain,
		priority: 7,
		keywords: []string{
			"区块链", "智能合约", "defi", "nft", "gas费", "gas fee", "钱包", "wallet",
			"uniswap", "aave", "opensea", "bridge", "跨链", "多签", "multisig",
			"solana", "tron", "波场", "链上", "onchain",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)0x[a-f0-9]{40}\b`),
			regexp.MustCompile(`(?i)0x[a-f0-9]{64}\b`),
		},
	},
	{
		category: model.IntentSystemControl,
		priority: 6,
		keywords: []string{
			"截图", "screenshot", "拍照", "take a photo", "摄像头", "camera",
			"打开应用", "打开app", "open app", "chrome", "系统信息", "system info",
			"cpu", "内存占用", "android", "手电筒", "flashlight", "toggle",
			"启用技能", "enable skill", "禁用能力", "disable capability",
			"enable capability", "disable skill",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(enable|disable)\s+(skill|capability|tool)\b`),
		},
	},
	{
		category: model.IntentFileOps,
		priority: 5,
		keywords: []string{
			"文件", "file", "读取", "read file", "写入", "write file", "代码", "code",
			"编辑", "edit", "运行", "run script", "脚本", "script",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\.(py|rs|js|ts|go|java|cpp|c|h|md|txt|json|yaml|yml|toml|csv|xlsx|sh|sql|html|css)(\s|$)`),
			regexp.MustCompile(`[/\\][\w._-]+[/\\][\w._-]+`),
			regexp.MustCompile(`(?i)\b(cat|ls|mkdir|rm|cp|mv|grep|find|chmod)\b`),
		},
	},
	{
		category: model.IntentWebSearch,
		priority: 5,
		keywords: []string{"搜索", "search", "上网", "网页", "webpage", "url", "浏览器", "browser"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)https?://`),
			regexp.MustCompile(`(?i)\bwww\.\S+`),
		},
	},
	{
		category: model.IntentDataAnalysis,
		priority: 5,
		keywords: []string{
			"数据分析", "data analysis", "统计", "statistics", "图表", "chart",
			"csv", "excel", "ppt", "word", "plot",
		},
	},
	{
		category: model.IntentCommunication,
		priority: 5,
		keywords: []string{
			"邮件", "email", "twitter", "微博", "medium", "wordpress", "通知",
			"notification", "sms", "webhook",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)[\w.+-]+@[\w-]+\.[\w.]+`),
		},
	},
	{
		category: model.IntentOrganization,
		priority: 5,
		keywords: []string{
			"日程", "schedule", "日历", "calendar", "会议", "meeting", "提醒",
			"reminder", "任务", "task", "记住", "remember", "笔记", "note",
			"知识图谱", "knowledge graph", "notion", "jira", "安装技能", "install skill",
		},
	},
	{
		category: model.IntentIoT,
		priority: 5,
		keywords: []string{
			"智能家居", "smart home", "灯", "light bulb", "空调", "air conditioner",
			"home assistant", "mqtt", "iot",
		},
	},
	{
		category: model.IntentMedia,
		priority: 5,
		keywords: []string{
			"语音", "voice", "音频", "audio", "视频", "video", "转录", "transcribe",
			"图片", "image", "ocr", "tts",
		},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\.(mp3|wav|m4a|flac|ogg|mp4|mkv|webm|avi|mov)\b`),
		},
	},
	{
		category: model.IntentDevOps,
		priority: 5,
		keywords: []string{
			"github", "git", "pr", "部署", "deploy", "服务器", "server", "云服务",
			"云主机", "cloud service", "aws", "docker", "k8s", "kubernetes", "网络",
			"network", "ping", "ssl", "dns", "加密", "encrypt", "解密", "decrypt", "hash",
		},
		// Stock names sharing 云 with cloud terms must not fire DevOps.
		negative: []string{"云天化", "云南白药"},
	},
	{
		category: model.IntentLifestyle,
		priority: 4,
		keywords: []string{
			"健康", "health", "步数", "step count", "心率", "heart rate", "地图",
			"map", "导航", "navigate", "联系人", "contact", "fitness",
		},
	},
}

// Classify returns the 1-or-2 categories the classifier assigns to input,
// per the priority/negative-keyword/Chat-exclusivity rules documented on
// the rule table above. Input that matches nothing returns [Unknown].
func Classify(input string) []model.IntentCategory {
	lower := strings.ToLower(input)

	type scored struct {
		category model.IntentCategory
		priority int
	}
	var matches []scored
	for _, r := range rules {
		if ruleMatches(r, input, lower) {
			matches = append(matches, scored{r.category, r.priority})
		}
	}
	if len(matches) == 0 {
		return []model.IntentCategory{model.IntentUnknown}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].priority > matches[j].priority })

	var deduped []model.IntentCategory
	seen := map[model.IntentCategory]bool{}
	for _, m := range matches {
		if !seen[m.category] {
			seen[m.category] = true
			deduped = append(deduped, m.category)
		}
	}

	if len(deduped) == 1 && deduped[0] == model.IntentChat {
		return deduped
	}

	var withoutChat []model.IntentCategory
	for _, c := range deduped {
		if c != model.IntentChat {
			withoutChat = append(withoutChat, c)
		}
	}
	if len(withoutChat) == 0 {
		return []model.IntentCategory{model.IntentUnknown}
	}
	if len(withoutChat) > 2 {
		withoutChat = withoutChat[:2]
	}
	return withoutChat
}

func ruleMatches(r rule, input, lower string) bool {
	for _, neg := range r.negative {
		if strings.Contains(lower, strings.ToLower(neg)) {
			return false
		}
	}
	for _, p := range r.patterns {
		if p.MatchString(input) {
			return true
		}
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// coreTools are offered regardless of intent, except for pure Chat turns.
var coreTools = []string{
	"read_file", "write_file", "list_dir", "exec", "web_search", "web_fetch",
	"memory_query", "memory_upsert", "toggle_manage", "message",
}

var extraToolsByIntent = map[model.IntentCategory][]string{
	model.IntentChat:       {},
	model.IntentFileOps:    {"edit_file", "file_ops", "data_process", "office_write"},
	model.IntentWebSearch:  {"browse", "http_request"},
	model.IntentFinance: {
		"finance_api", "exchange_api", "http_request", "data_process", "chart_generate",
		"alert_rule", "stream_subscribe", "notification", "knowledge_graph", "cron",
		"office_write", "browse",
	},
	model.IntentBlockchain: {
		"finance_api", "blockchain_rpc", "blockchain_tx", "contract_security",
		"bridge_api", "nft_market", "multisig", "exchange_api", "stream_subscribe",
		"http_request", "knowledge_graph",
	},
	model.IntentDataAnalysis: {"edit_file", "file_ops", "data_process", "chart_generate", "office_write", "http_request"},
	model.IntentCommunication: {
		"email", "social_media", "notification", "message", "http_request", "community_hub",
	},
	model.IntentSystemControl: {
		"system_info", "capability_evolve", "app_control", "camera_capture", "browse",
		"image_understand", "termux_api",
	},
	model.IntentOrganization: {
		"calendar_api", "cron", "memory_forget", "knowledge_graph", "list_tasks",
		"spawn", "list_skills", "memory_maintenance", "community_hub",
	},
	model.IntentIoT:   {"iot_control", "http_request", "notification", "cron"},
	model.IntentMedia: {"audio_transcribe", "tts", "ocr", "image_understand", "video_process", "file_ops", "notification"},
	model.IntentDevOps: {
		"git_api", "cloud_api", "network_monitor", "encrypt", "http_request", "edit_file", "file_ops",
	},
	model.IntentLifestyle: {"health_api", "map_api", "contacts", "http_request"},
	model.IntentUnknown: {
		"edit_file", "file_ops", "office_write", "http_request", "browse", "spawn",
		"list_tasks", "cron", "notification", "memory_forget", "list_skills",
		"community_hub", "memory_maintenance",
	},
}

// ToolsForIntents returns the deduplicated, sorted union of tools relevant
// to the given intents.
func ToolsForIntents(intents []model.IntentCategory) []string {
	set := map[string]bool{}
	for _, i := range intents {
		for _, t := range ToolsForIntent(i) {
			set[t] = true
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ToolsForIntent returns the tool surface for one intent: empty for Chat,
// otherwise the core tool set plus that intent's extras.
func ToolsForIntent(i model.IntentCategory) []string {
	extra, ok := extraToolsByIntent[i]
	if !ok {
		extra = extraToolsByIntent[model.IntentUnknown]
	}
	if i == model.IntentChat {
		return nil
	}
	out := make([]string, 0, len(coreTools)+len(extra))
	out = append(out, coreTools...)
	out = append(out, extra...)
	return out
}

// NeedsFinanceGuidelines reports whether the system prompt should include
// the financial-analysis guidance block for this set of intents.
func NeedsFinanceGuidelines(intents []model.IntentCategory) bool {
	for _, i := range intents {
		if i == model.IntentFinance || i == model.IntentBlockchain {
			return true
		}
	}
	return false
}

// NeedsSkillsList reports whether the system prompt should list available
// skills: true for every intent set except pure Chat.
func NeedsSkillsList(intents []model.IntentCategory) bool {
	for _, i := range intents {
		if i == model.IntentChat {
			return false
		}
	}
	return true
}
