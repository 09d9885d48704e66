// Package config 负责加载 meshd 的运行配置：可选的 .env 文件、YAML 配置文件
// （支持 ${VAR} 展开）、MESH_* 环境变量覆盖以及默认值。
package config
